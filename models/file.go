package models

// File describes a transferred file as shown in the chat transcript.
type File struct {
	TransferID string `json:"transfer_id"`
	FileName   string `json:"file_name"`
	FileSize   int64  `json:"file_size"`
	FilePath   string `json:"file_path,omitempty"`
}
