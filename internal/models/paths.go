package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Model file names.
const (
	// SegmentationLandscape is the 256x144 person segmentation model.
	SegmentationLandscape = "selfie_segmentation_landscape.onnx"
	// SegmentationGeneral is the 256x256 person segmentation model.
	SegmentationGeneral = "selfie_segmentation.onnx"

	// DefaultBackground is the background image shipped next to the models.
	DefaultBackground = "background-image.jpg"
)

// Asset categories for the organized directory structure.
const (
	TypeSegmentation = "segmentation"
	TypeBackgrounds  = "backgrounds"
)

// Default models directory.
const DefaultModelsDir = "models"

// EnvModelsDir overrides the models directory.
const EnvModelsDir = "CUTOUT_MODELS_DIR"

// ModelInfo contains metadata about a bundled model.
type ModelInfo struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Filename    string `json:"filename"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Description string `json:"description"`
}

// findProjectRoot finds the project root by looking for go.mod.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", errors.New("could not find project root (go.mod not found)")
}

// GetModelsDir returns the models directory path from various sources.
// Priority: 1. Explicit modelsDir parameter, 2. Environment variable, 3. Project root + default.
func GetModelsDir(modelsDir string) string {
	if modelsDir != "" {
		return modelsDir
	}
	if envDir := os.Getenv(EnvModelsDir); envDir != "" {
		return envDir
	}
	if projectRoot, err := findProjectRoot(); err == nil {
		return filepath.Join(projectRoot, DefaultModelsDir)
	}
	return DefaultModelsDir
}

// ResolveModelPath resolves a filename inside the models directory. The
// organized layout (<dir>/<type>/<file>) is preferred; the flat layout
// (<dir>/<file>) is the fallback.
func ResolveModelPath(modelsDir, assetType, filename string) string {
	baseDir := GetModelsDir(modelsDir)
	if assetType != "" {
		organized := filepath.Join(baseDir, assetType, filename)
		if _, err := os.Stat(organized); err == nil {
			return organized
		}
	}
	return filepath.Join(baseDir, filename)
}

// GetSegmentationModelPath returns the path of a segmentation model. An empty
// filename selects the landscape model.
func GetSegmentationModelPath(modelsDir, filename string) string {
	if filename == "" {
		filename = SegmentationLandscape
	}
	return ResolveModelPath(modelsDir, TypeSegmentation, filename)
}

// GetBackgroundPath returns the path of a background image.
func GetBackgroundPath(modelsDir, filename string) string {
	if filename == "" {
		filename = DefaultBackground
	}
	return ResolveModelPath(modelsDir, TypeBackgrounds, filename)
}

// IsRemote reports whether location is a URL rather than a local path.
func IsRemote(location string) bool {
	return strings.Contains(location, "://")
}

// ValidateModelExists checks if a model file exists at the given path.
func ValidateModelExists(modelPath string) error {
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return fmt.Errorf("model file not found: %s", modelPath)
	}
	return nil
}

// ListAvailableModels returns information about the known segmentation models.
func ListAvailableModels() []ModelInfo {
	return []ModelInfo{
		{
			Name:        "selfie-landscape",
			Type:        TypeSegmentation,
			Filename:    SegmentationLandscape,
			Width:       256,
			Height:      144,
			Description: "Person segmentation, landscape input",
		},
		{
			Name:        "selfie-general",
			Type:        TypeSegmentation,
			Filename:    SegmentationGeneral,
			Width:       256,
			Height:      256,
			Description: "Person segmentation, square input",
		},
	}
}
