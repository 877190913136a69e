package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"depot-packer/internal/config"
	"depot-packer/internal/depotdl"
	"depot-packer/internal/model"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printJSONLine writes v as one compact line, for event streams.
func printJSONLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func promptConfirm(prompt string) (bool, error) {
	if !stdinIsTTY() {
		return false, errors.New("confirmation required (rerun with --yes in non-interactive mode)")
	}
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func stdinIsTTY() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func stdoutIsTTY() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// requestFlags binds the job request flags shared by download and args.
type requestFlags struct {
	appID           *string
	osName          *string
	branch          *string
	username        *string
	password        *string
	qr              *bool
	compress        *bool
	archivePassword *string
}

func bindRequestFlags(fs *flag.FlagSet) requestFlags {
	return requestFlags{
		appID:           fs.String("app", "", "Steam app id"),
		osName:          fs.String("os", "", "target platform: "+strings.Join(depotdl.PlatformNames(), ", ")+" (empty uses settings)"),
		branch:          fs.String("branch", "", "branch name (empty uses settings, then public)"),
		username:        fs.String("username", "", "Steam username (empty for anonymous)"),
		password:        fs.String("password", "", "Steam password (optional with a cached login)"),
		qr:              fs.Bool("qr", false, "log in by scanning a QR code with the Steam mobile app"),
		compress:        fs.Bool("compress", false, "compress the finalized output with 7-Zip"),
		archivePassword: fs.String("archive-password", "", "password for the 7-Zip archive"),
	}
}

// request merges the parsed flags over the settings defaults. fs reports which
// flags were set so --compress=false can override a settings default of true.
func (f requestFlags) request(fs *flag.FlagSet, s config.Settings) model.JobRequest {
	req := model.JobRequest{
		AppID:           strings.TrimSpace(*f.appID),
		OS:              strings.TrimSpace(*f.osName),
		Branch:          strings.TrimSpace(*f.branch),
		Username:        strings.TrimSpace(*f.username),
		Password:        *f.password,
		UseQR:           *f.qr,
		Compress:        s.Compress,
		ArchivePassword: *f.archivePassword,
	}
	if req.OS == "" {
		req.OS = s.DefaultOS
	}
	if req.Branch == "" {
		req.Branch = s.DefaultBranch
	}
	if flagWasSet(fs, "compress") {
		req.Compress = *f.compress
	}
	return req
}

func flagWasSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
