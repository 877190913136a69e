package depotdl

import (
	"strings"

	"depot-packer/internal/model"
)

const redactedSecret = "********"

type platform struct {
	os    string
	arch  string
	label string
}

var defaultPlatform = platform{os: "windows", arch: "64", label: "Win64"}

var platforms = map[string]platform{
	"Windows x64": {os: "windows", arch: "64", label: "Win64"},
	"Windows x86": {os: "windows", arch: "32", label: "Win32"},
	"Linux":       {os: "linux", arch: "64", label: "Linux64"},
	"macOS x64":   {os: "macos", arch: "64", label: "MacOS64"},
	"macOS arm64": {os: "macos", arch: "arm64", label: "MacOSArm64"},
	"macOS":       {os: "macos", arch: "64", label: "MacOS64"},
}

// PlatformNames lists the accepted OS selectors.
func PlatformNames() []string {
	return []string{"Windows x64", "Windows x86", "Linux", "macOS x64", "macOS arm64", "macOS"}
}

// lookupPlatform never fails: unknown selectors map to Windows x64.
func lookupPlatform(selector string) platform {
	if p, ok := platforms[strings.TrimSpace(selector)]; ok {
		return p
	}
	return defaultPlatform
}

func KnownPlatform(selector string) bool {
	_, ok := platforms[strings.TrimSpace(selector)]
	return ok
}

func PlatformLabel(selector string) string {
	return lookupPlatform(selector).label
}

// BuildArgs returns the DepotDownloader arguments for the real download run.
func BuildArgs(req model.JobRequest) []string {
	args := []string{}
	appID := strings.TrimSpace(req.AppID)
	if appID != "" && !strings.EqualFold(appID, "unknown") {
		args = append(args, "-app", appID)
	}
	if branch := strings.TrimSpace(req.Branch); branch != "" {
		args = append(args, "-branch", branch)
	}

	p := lookupPlatform(req.OS)
	args = append(args, "-os", p.os, "-osarch", p.arch)

	switch req.AuthMode() {
	case model.AuthModeQR:
		args = append(args, "-qr")
	case model.AuthModePassword:
		args = append(args, "-username", strings.TrimSpace(req.Username))
		if req.Password != "" {
			args = append(args, "-password", req.Password)
		}
		args = append(args, "-remember-password")
	}
	return args
}

func PreflightArgs(req model.JobRequest) []string {
	return append(BuildArgs(req), "-manifest-only")
}

// RedactArgs masks the -password value so the command can be logged.
func RedactArgs(args []string) []string {
	out := append([]string(nil), args...)
	for i := 0; i < len(out)-1; i++ {
		if out[i] == "-password" {
			out[i+1] = redactedSecret
			i++
		}
	}
	return out
}
