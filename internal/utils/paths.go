package utils

import (
	"os"
	"path/filepath"
	"runtime"
)

// DefaultAppName names the per-user application directories
const DefaultAppName = "eo-pipeline"

// HomeEnv, when set, roots every application directory under one folder
const HomeEnv = "EO_PIPELINE_HOME"

type AppPaths struct {
	AppDir      string
	ConfigDir   string
	LogDir      string
	DataDir     string
	DownloadDir string
	TempDir     string
}

func GetAppPaths(appName string) *AppPaths {
	if appName == "" {
		appName = DefaultAppName
	}

	paths := &AppPaths{TempDir: os.TempDir()}

	if home := os.Getenv(HomeEnv); home != "" {
		paths.AppDir = home
		paths.ConfigDir = home
		paths.LogDir = filepath.Join(home, "logs")
		paths.DataDir = filepath.Join(home, "data")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			if homeDir, err = os.Getwd(); err != nil {
				homeDir = "."
			}
		}

		switch runtime.GOOS {
		case "windows":
			appData := os.Getenv("APPDATA")
			if appData == "" {
				appData = filepath.Join(homeDir, "AppData", "Roaming")
			}
			paths.AppDir = filepath.Join(appData, appName)
			paths.ConfigDir = paths.AppDir
			paths.LogDir = filepath.Join(paths.AppDir, "logs")
			paths.DataDir = paths.AppDir

		case "darwin":
			paths.AppDir = filepath.Join(homeDir, "Library", "Application Support", appName)
			paths.ConfigDir = paths.AppDir
			paths.LogDir = filepath.Join(homeDir, "Library", "Logs", appName)
			paths.DataDir = paths.AppDir

		default:
			// XDG base directories
			configHome := os.Getenv("XDG_CONFIG_HOME")
			if configHome == "" {
				configHome = filepath.Join(homeDir, ".config")
			}
			dataHome := os.Getenv("XDG_DATA_HOME")
			if dataHome == "" {
				dataHome = filepath.Join(homeDir, ".local", "share")
			}
			cacheHome := os.Getenv("XDG_CACHE_HOME")
			if cacheHome == "" {
				cacheHome = filepath.Join(homeDir, ".cache")
			}

			paths.AppDir = filepath.Join(dataHome, appName)
			paths.ConfigDir = filepath.Join(configHome, appName)
			paths.LogDir = filepath.Join(cacheHome, appName, "logs")
			paths.DataDir = filepath.Join(dataHome, appName)
		}
	}
	paths.DownloadDir = filepath.Join(paths.DataDir, "downloads")

	for _, dir := range []string{paths.AppDir, paths.ConfigDir, paths.LogDir, paths.DataDir, paths.DownloadDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fallbackDir := "."
			paths.AppDir = fallbackDir
			paths.ConfigDir = fallbackDir
			paths.LogDir = fallbackDir
			paths.DataDir = fallbackDir
			paths.DownloadDir = filepath.Join(fallbackDir, "downloads")
			break
		}
	}

	return paths
}

// ResolveDataPath returns path unchanged when absolute, otherwise joined to the data dir
func (ap *AppPaths) ResolveDataPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(ap.DataDir, path)
}
