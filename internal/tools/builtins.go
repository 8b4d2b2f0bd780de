package tools

import (
	"github.com/codeloop-ai/codeloop/internal/ignore"
)

// RegisterBuiltins registers the built-in workspace tools against root.
func RegisterBuiltins(reg *Registry, root string, filter *ignore.Filter, shellAllowlist []string, memoryFile string) {
	reg.Register(NewReadFileTool(root, filter))
	reg.Register(NewWriteFileTool(root))
	reg.Register(NewReplaceTool(root))
	reg.Register(NewShellTool(root, shellAllowlist))
	reg.Register(NewGrepTool(root, filter))
	reg.Register(NewSaveMemoryTool(memoryFile))
}
