package sandbox

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/lximedia/lxiserver/internal/model"
	"github.com/lximedia/lxiserver/internal/server"
)

// ProbePath is the prefix the probe callback is registered under.
const ProbePath = "/probe/"

// FileInfo describes a probed file.
type FileInfo struct {
	Path     string    `yaml:"path"`
	Size     int64     `yaml:"size"`
	MimeType string    `yaml:"mime_type"`
	ModTime  time.Time `yaml:"mod_time"`
	IsDir    bool      `yaml:"is_dir"`
}

// ProbeCallback answers GET /probe/?path=<file> with the file's metadata as
// YAML. Stat runs inside the worker so that a hanging file system only
// stalls the sandbox.
type ProbeCallback struct{}

// HTTPRequest implements server.Callback.
func (ProbeCallback) HTTPRequest(req *model.RequestMessage, conn *server.Conn) *model.ResponseMessage {
	path := req.Query().Get("path")
	if path == "" {
		return model.NewResponseMessage(&req.RequestHeader, model.StatusBadRequest)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return model.NewResponseMessage(&req.RequestHeader, model.StatusNotFound)
	}

	info := FileInfo{
		Path:     path,
		Size:     fi.Size(),
		MimeType: model.ToMimeType(fi.Name()),
		ModTime:  fi.ModTime().UTC(),
		IsDir:    fi.IsDir(),
	}
	body, err := yaml.Marshal(info)
	if err != nil {
		return model.NewResponseMessage(&req.RequestHeader, model.StatusInternalServerError)
	}

	resp := model.NewResponseMessage(&req.RequestHeader, model.StatusOK)
	resp.SetContentType("application/yaml")
	resp.SetContent(body)
	return resp
}

// DecodeFileInfo parses a probe response body.
func DecodeFileInfo(body []byte) (*FileInfo, error) {
	var info FileInfo
	if err := yaml.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode probe result: %w", err)
	}
	return &info, nil
}
