// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package filestore

type mimeEntry struct {
	mimeType string
	binary   bool
}

// mimeTable classifies a file by extension. An unlisted extension falls
// back to defaultMimeType/defaultBinary.
var mimeTable = map[string]mimeEntry{
	".css":      {"text/css", false},
	".js":       {"application/javascript", false},
	".html":     {"text/html", false},
	".htm":      {"text/html", false},
	".json":     {"application/json", false},
	".md":       {"text/markdown", false},
	".xml":      {"text/xml", false},
	".manifest": {"text/cache-manifest", false},
	".svg":      {"image/svg+xml", false},

	".png":  {"image/png", true},
	".jpg":  {"image/jpeg", true},
	".jpeg": {"image/jpeg", true},
	".gif":  {"image/gif", true},
	".bmp":  {"image/bmp", true},
	".ico":  {"image/x-icon", true},
	".webp": {"image/webp", true},
	".wbmp": {"image/vnd.wap.wbmp", true},
	".tif":  {"image/tiff", true},
	".tiff": {"image/tiff", true},

	".mp3":  {"audio/mpeg", true},
	".wav":  {"audio/wav", true},
	".ogg":  {"audio/ogg", true},
	".mp4":  {"video/mp4", true},
	".webm": {"video/webm", true},
	".avi":  {"video/x-msvideo", true},

	".ttf":   {"font/ttf", true},
	".otf":   {"font/otf", true},
	".woff":  {"font/woff", true},
	".woff2": {"font/woff2", true},
	".eot":   {"application/vnd.ms-fontobject", true},

	".pdf":  {"application/pdf", true},
	".zip":  {"application/zip", true},
	".gz":   {"application/gzip", true},
	".gzip": {"application/gzip", true},
	".doc":  {"application/msword", true},
	".docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document", true},
	".txt":  {"text/plain", false},
}

const (
	defaultMimeType = "text/javascript"
	defaultBinary   = false
)

func classify(ext string) (mimeType string, binary bool) {
	if e, ok := mimeTable[ext]; ok {
		return e.mimeType, e.binary
	}
	return defaultMimeType, defaultBinary
}
