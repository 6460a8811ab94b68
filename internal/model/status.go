package model

import (
	"path"
	"strings"
)

// HTTP status codes used by the engines.
const (
	StatusContinue                     = 100
	StatusSwitchingProtocols           = 101
	StatusOK                           = 200
	StatusCreated                      = 201
	StatusAccepted                     = 202
	StatusNonAuthoritativeInformation  = 203
	StatusNoContent                    = 204
	StatusResetContent                 = 205
	StatusPartialContent               = 206
	StatusMultipleChoices              = 300
	StatusMovedPermanently             = 301
	StatusFound                        = 302
	StatusSeeOther                     = 303
	StatusNotModified                  = 304
	StatusUseProxy                     = 305
	StatusTemporaryRedirect            = 307
	StatusBadRequest                   = 400
	StatusUnauthorized                 = 401
	StatusPaymentRequired              = 402
	StatusForbidden                    = 403
	StatusNotFound                     = 404
	StatusMethodNotAllowed             = 405
	StatusNotAcceptable                = 406
	StatusProxyAuthenticationRequired  = 407
	StatusRequestTimeout               = 408
	StatusConflict                     = 409
	StatusGone                         = 410
	StatusLengthRequired               = 411
	StatusPreconditionFailed           = 412
	StatusRequestEntityTooLarge        = 413
	StatusRequestURITooLarge           = 414
	StatusUnsupportedMediaType         = 415
	StatusRequestedRangeNotSatisfiable = 416
	StatusExpectationFailed            = 417
	StatusInternalServerError          = 500
	StatusNotImplemented               = 501
	StatusBadGateway                   = 502
	StatusServiceUnavailable           = 503
	StatusGatewayTimeout               = 504
	StatusHTTPVersionNotSupported      = 505
)

var statusText = map[int]string{
	StatusContinue:                     "Continue",
	StatusSwitchingProtocols:           "Switching Protocols",
	StatusOK:                           "OK",
	StatusCreated:                      "Created",
	StatusAccepted:                     "Accepted",
	StatusNonAuthoritativeInformation:  "Non-Authoritative Information",
	StatusNoContent:                    "No Content",
	StatusResetContent:                 "Reset Content",
	StatusPartialContent:               "Partial Content",
	StatusMultipleChoices:              "Multiple Choices",
	StatusMovedPermanently:             "Moved Permanently",
	StatusFound:                        "Found",
	StatusSeeOther:                     "See Other",
	StatusNotModified:                  "Not Modified",
	StatusUseProxy:                     "Use Proxy",
	StatusTemporaryRedirect:            "Temporary Redirect",
	StatusBadRequest:                   "Bad Request",
	StatusUnauthorized:                 "Unauthorized",
	StatusPaymentRequired:              "Payment Required",
	StatusForbidden:                    "Forbidden",
	StatusNotFound:                     "Not Found",
	StatusMethodNotAllowed:             "Method Not Allowed",
	StatusNotAcceptable:                "Not Acceptable",
	StatusProxyAuthenticationRequired:  "Proxy Authentication Required",
	StatusRequestTimeout:               "Request Time-out",
	StatusConflict:                     "Conflict",
	StatusGone:                         "Gone",
	StatusLengthRequired:               "Length Required",
	StatusPreconditionFailed:           "Precondition Failed",
	StatusRequestEntityTooLarge:        "Request Entity Too Large",
	StatusRequestURITooLarge:           "Request-URI Too Large",
	StatusUnsupportedMediaType:         "Unsupported Media Type",
	StatusRequestedRangeNotSatisfiable: "Requested range not satisfiable",
	StatusExpectationFailed:            "Expectation Failed",
	StatusInternalServerError:          "Internal Server Error",
	StatusNotImplemented:               "Not Implemented",
	StatusBadGateway:                   "Bad Gateway",
	StatusServiceUnavailable:           "Service Unavailable",
	StatusGatewayTimeout:               "Gateway Time-out",
	StatusHTTPVersionNotSupported:      "HTTP Version not supported",
}

// StatusText returns the reason phrase for code, or "" if unknown.
func StatusText(code int) string {
	return statusText[code]
}

// MIME types produced by the server.
const (
	MimeAppOctet   = "application/octet-stream"
	MimeAudioMpeg  = "audio/mpeg"
	MimeAudioMp3   = "audio/mp3"
	MimeAudioOgg   = "audio/ogg"
	MimeAudioLPCM  = "audio/L16;rate=48000;channels=2"
	MimeAudioWave  = "audio/wave"
	MimeImageJpeg  = "image/jpeg"
	MimeImagePng   = "image/png"
	MimeImageSvg   = "image/svg+xml"
	MimeTextCss    = "text/css;charset=\"utf-8\""
	MimeTextHTML   = "text/html;charset=\"utf-8\""
	MimeTextPlain  = "text/plain;charset=\"utf-8\""
	MimeTextXML    = "text/xml;charset=\"utf-8\""
	MimeVideoMpeg  = "video/mpeg"
	MimeVideoMpegM = "video/x-mpeg"
	MimeVideoMpegT = "video/MP2T"
	MimeVideoOgg   = "video/ogg"
)

var mimeTypes = map[string]string{
	"js":    "application/javascript",
	"pdf":   "application/pdf",
	"xhtml": "application/xhtml+xml",
	"dtd":   "application/xml-dtd",
	"zip":   "application/zip",
	"m3u":   "audio/x-mpegurl",
	"mpa":   "audio/mpeg",
	"mp2":   "audio/mpeg",
	"mp3":   "audio/mpeg",
	"ac3":   "audio/mpeg",
	"dts":   "audio/mpeg",
	"oga":   "audio/ogg",
	"ogg":   "audio/ogg",
	"wav":   "audio/x-wav",
	"lpcm":  MimeAudioLPCM,
	"jpeg":  "image/jpeg",
	"jpg":   "image/jpeg",
	"png":   "image/png",
	"svg":   "image/svg+xml",
	"tiff":  "image/tiff",
	"css":   "text/css;charset=utf-8",
	"html":  "text/html;charset=utf-8",
	"htm":   "text/html;charset=utf-8",
	"txt":   "text/plain;charset=utf-8",
	"log":   "text/plain;charset=utf-8",
	"xml":   "text/xml;charset=utf-8",
	"mpeg":  "video/mpeg",
	"mpg":   "video/mpeg",
	"mp4":   "video/mpeg",
	"ts":    "video/mpeg",
	"ogv":   "video/ogg",
	"ogx":   "video/ogg",
	"spx":   "video/ogg",
	"qt":    "video/quicktime",
	"flv":   "video/x-flv",
}

// ToMimeType guesses a MIME type from a file name's extension.
func ToMimeType(fileName string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(fileName), "."))
	if mime, ok := mimeTypes[ext]; ok {
		return mime
	}
	if strings.HasPrefix(path.Base(fileName), "COPYING") {
		return "text/plain"
	}
	return MimeAppOctet
}
