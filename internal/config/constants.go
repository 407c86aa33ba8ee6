package config

import "strings"

// ConfigFileNames are searched in this order by FindConfig.
var ConfigFileNames = []string{"conductor.yaml", "conductor.yml"}

// ModuleFileExt is the extension of step module files.
const ModuleFileExt = ".yaml"

// ModuleFileExtensions are all recognized module file extensions
var ModuleFileExtensions = []string{".yaml", ".yml"}

// Defaults applied by setDefaults
const (
	DefaultPoolInitial    = 2
	DefaultPoolMaxIdle    = 16
	DefaultMaxNestedDepth = 64
	DefaultSlice          = 64
	DefaultSession        = "default"
	DefaultStoreFile      = ".conductor/breakpoints.db"
	DefaultHistoryFile    = ".conductor/history"
	DefaultListen         = "127.0.0.1:7411"
	DefaultEntry          = "main"
)

// TrimModuleExt strips a recognized module extension from path.
func TrimModuleExt(path string) string {
	for _, ext := range ModuleFileExtensions {
		if strings.HasSuffix(path, ext) {
			return strings.TrimSuffix(path, ext)
		}
	}
	return path
}

// HasModuleExt reports whether path names a module file.
func HasModuleExt(path string) bool {
	return TrimModuleExt(path) != path
}
