package embed

// FastEmbedOptions selects the local ONNX model. Zero fields fall back to
// fastembed's own defaults.
type FastEmbedOptions struct {
	Model     string `yaml:"model"`
	CacheDir  string `yaml:"cache_dir"`
	MaxLength int    `yaml:"max_length"`
}
