package config

import (
	"fmt"
	"path/filepath"

	"depot-packer/internal/compress"
	"depot-packer/internal/depotdl"
	"depot-packer/internal/depots"
	"depot-packer/internal/runstore"
)

type DoctorResult struct {
	OK     bool          `json:"ok"`
	Checks []DoctorCheck `json:"checks"`
}

type DoctorCheck struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Required bool   `json:"required"`
	Message  string `json:"message"`
}

// Doctor checks the external tools and directories a download needs. The
// archiver only counts against OK when compression is enabled.
func Doctor(s Settings, configPath string) DoctorResult {
	checks := make([]DoctorCheck, 0, 5)

	dep := depotdl.DependencyStatus(s.DepotDownloaderPath)
	checks = append(checks, DoctorCheck{
		Name:     "dependency:DepotDownloader",
		OK:       dep.DepotDownloaderFound,
		Required: true,
		Message:  dependencyMessage(dep.DepotDownloaderFound, dep.DepotDownloaderPath, "DepotDownloader"),
	})

	sevenZip, err := compress.ResolveBinary(s.SevenZipPath)
	checks = append(checks, DoctorCheck{
		Name:     "dependency:7-zip",
		OK:       err == nil,
		Required: s.Compress,
		Message:  dependencyMessage(err == nil, sevenZip, "7-Zip"),
	})

	downloadsOK, downloadsMsg := true, "writable"
	if err := runstore.EnsureWritableDir(s.DownloadsDir); err != nil {
		downloadsOK, downloadsMsg = false, err.Error()
	}
	checks = append(checks, DoctorCheck{
		Name:     "directory:downloads",
		OK:       downloadsOK,
		Required: true,
		Message:  downloadsMsg,
	})

	cfgOK, cfgMsg := true, "writable"
	if err := runstore.EnsureWritableDir(filepath.Dir(configPath)); err != nil {
		cfgOK, cfgMsg = false, err.Error()
	}
	checks = append(checks, DoctorCheck{
		Name:     "directory:config",
		OK:       cfgOK,
		Required: true,
		Message:  cfgMsg,
	})

	table, err := depots.LoadTable(s.SharedDepotsFile)
	tableCheck := DoctorCheck{Name: "config:shared_depots", OK: err == nil, Required: true}
	if err != nil {
		tableCheck.Message = err.Error()
	} else {
		tableCheck.Message = fmt.Sprintf("%d shared depots known", table.Len())
	}
	checks = append(checks, tableCheck)

	ok := true
	for _, c := range checks {
		if c.Required && !c.OK {
			ok = false
			break
		}
	}
	return DoctorResult{OK: ok, Checks: checks}
}

func dependencyMessage(ok bool, path, name string) string {
	if ok {
		return name + " found at " + path
	}
	return name + " not found on PATH"
}
