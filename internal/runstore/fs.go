package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"depot-packer/internal/model"
)

const jobMetadataFile = "job.json"

func Mkdir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

func WriteBytes(path string, data []byte) error {
	return WriteBytesMode(path, data, 0o644)
}

// WriteBytesMode writes through a temp file in the same directory and renames it into place.
func WriteBytesMode(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".dpk-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}

func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON for %s: %w", path, err)
	}
	data = append(data, '\n')
	return WriteBytes(path, data)
}

func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse JSON %s: %w", path, err)
	}
	return nil
}

// EnsureWritableDir creates dir if needed and probes it with a throwaway file.
func EnsureWritableDir(dir string) error {
	if err := Mkdir(dir); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".depot-packer_write_test")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("downloads directory is not writable: %s: %w", dir, err)
	}
	_ = f.Close()
	_ = os.Remove(probe)
	return nil
}

func JobMetadataPath(stagingDir string) string {
	return filepath.Join(stagingDir, jobMetadataFile)
}

func SaveJobMetadata(stagingDir string, meta model.JobMetadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	return WriteJSON(JobMetadataPath(stagingDir), meta)
}

func LoadJobMetadata(stagingDir string) (model.JobMetadata, error) {
	var meta model.JobMetadata
	if err := ReadJSON(JobMetadataPath(stagingDir), &meta); err != nil {
		return model.JobMetadata{}, err
	}
	if err := meta.Validate(); err != nil {
		return model.JobMetadata{}, err
	}
	return meta, nil
}
