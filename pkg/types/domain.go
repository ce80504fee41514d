package types

// Model represents a loadable GGUF model file on disk.
type Model struct {
	// Stable identifier for the model (file name).
	// example: tinyllama-1.1b.Q4_K_M.gguf
	ID string `json:"id" example:"tinyllama-1.1b.Q4_K_M.gguf"`
	// File name without extension.
	// example: tinyllama-1.1b.Q4_K_M
	Name string `json:"name" example:"tinyllama-1.1b.Q4_K_M"`
	// Absolute path to the model file on disk.
	// example: /home/user/models/tinyllama-1.1b.Q4_K_M.gguf
	Path string `json:"path" example:"/home/user/models/tinyllama-1.1b.Q4_K_M.gguf"`
	// Quantization level parsed from the file name, if any.
	// example: Q4_K_M
	Quant string `json:"quant,omitempty" example:"Q4_K_M"`
	// Size of the file in bytes.
	// example: 668788096
	SizeBytes int64 `json:"size_bytes,omitempty" example:"668788096"`
}
