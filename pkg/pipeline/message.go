package pipeline

import (
	"encoding/json"
	"fmt"
)

// UploadRequest is the payload of one queue message. FilePath doubles as
// the source object key in the object store.
type UploadRequest struct {
	TaskID   string `json:"task_id"`
	FilePath string `json:"file_path"`
}

// MemberPath returns the in-archive member path for this request,
// composed as task_id + "/" + file_path. Retrieval reconstructs the same
// composition to locate the member.
func (r UploadRequest) MemberPath() string {
	return r.TaskID + "/" + r.FilePath
}

// ParseUploadRequest decodes and validates a queue message body.
func ParseUploadRequest(body []byte) (UploadRequest, error) {
	var req UploadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return UploadRequest{}, fmt.Errorf("invalid message body: %w", err)
	}
	if req.TaskID == "" {
		return UploadRequest{}, fmt.Errorf("message missing task_id")
	}
	if req.FilePath == "" {
		return UploadRequest{}, fmt.Errorf("message missing file_path")
	}
	return req, nil
}
