package proxy

import (
	"mime"
	"path"
	"strings"
)

const defaultContentType = "application/octet-stream"

// packageContentTypes 覆盖常见包格式，系统 mime 表对这些扩展名往往缺失或不一致。
// 多段扩展名需排在单段之前。
var packageContentTypes = []struct {
	suffix      string
	contentType string
}{
	{".tar.gz", "application/x-tar"},
	{".tar.bz2", "application/x-tar"},
	{".tar.xz", "application/x-tar"},
	{".tgz", "application/octet-stream"},
	{".whl", "application/octet-stream"},
	{".jar", "application/java-archive"},
	{".deb", "application/vnd.debian.binary-package"},
	{".rpm", "application/x-rpm"},
	{".apk", "application/octet-stream"},
	{".gem", "application/octet-stream"},
	{".zip", "application/zip"},
	{".json", "application/json"},
	{".info", "application/json"},
	{".mod", "text/plain; charset=utf-8"},
	{".pom", "text/xml; charset=utf-8"},
	{".sha1", "text/plain; charset=utf-8"},
	{".sha256", "text/plain; charset=utf-8"},
	{".md5", "text/plain; charset=utf-8"},
	{".asc", "text/plain; charset=utf-8"},
}

// contentTypeFor 依次查询包格式表与系统 mime 表，均未命中时返回 application/octet-stream。
func contentTypeFor(name string) string {
	lower := strings.ToLower(path.Base(name))
	for _, entry := range packageContentTypes {
		if strings.HasSuffix(lower, entry.suffix) {
			return entry.contentType
		}
	}
	if ext := path.Ext(lower); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	return defaultContentType
}
