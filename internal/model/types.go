package model

import (
	"fmt"
	"strings"
	"time"
)

const MetadataVersion = "1.0.0"

const (
	AuthModeQR        = "qr"
	AuthModePassword  = "password"
	AuthModeAnonymous = "anonymous"
)

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
)

// JobRequest is the operator input for one download job. It is not modified once a job starts.
type JobRequest struct {
	AppID           string `json:"app_id"`
	OS              string `json:"os"`
	Branch          string `json:"branch,omitempty"`
	Username        string `json:"username,omitempty"`
	Password        string `json:"-"`
	UseQR           bool   `json:"use_qr,omitempty"`
	Compress        bool   `json:"compress,omitempty"`
	ArchivePassword string `json:"-"`
}

func (r JobRequest) AuthMode() string {
	if r.UseQR {
		return AuthModeQR
	}
	if strings.TrimSpace(r.Username) != "" {
		return AuthModePassword
	}
	return AuthModeAnonymous
}

func (r JobRequest) Validate() error {
	if strings.TrimSpace(r.AppID) == "" {
		return fmt.Errorf("app id is required")
	}
	if r.UseQR && strings.TrimSpace(r.Username) != "" {
		return fmt.Errorf("qr login and username login are mutually exclusive")
	}
	if strings.TrimSpace(r.Username) == "" && r.Password != "" {
		return fmt.Errorf("password given without username")
	}
	return nil
}

type StatusEvent struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Code   *int   `json:"code,omitempty"`
}

type LogEvent struct {
	JobID  string `json:"job_id"`
	Stream string `json:"stream"`
	Line   string `json:"line"`
}

type BuildIDSource string

const (
	BuildIDSourceAppBuildID        BuildIDSource = "app_buildid"
	BuildIDSourcePrimaryManifestID BuildIDSource = "primary_manifest_id"
)

type DepotInfo struct {
	DepotID        string `json:"depot_id"`
	DepotName      string `json:"depot_name"`
	ManifestID     string `json:"manifest_id"`
	ManifestIDUsed string `json:"manifest_id_used,omitempty"`
}

// JobMetadata is the resolved record written to job.json in the staging directory.
// It is read back once by finalization and never modified.
type JobMetadata struct {
	JobID            string        `json:"job_id"`
	AppID            string        `json:"appid"`
	Branch           string        `json:"branch"`
	Platform         string        `json:"platform"`
	PrimaryDepotID   string        `json:"primary_depot_id"`
	GameName         string        `json:"game_name"`
	BuildID          string        `json:"build_id"`
	BuildIDSource    BuildIDSource `json:"build_id_source"`
	BuildDatetimeUTC *time.Time    `json:"build_datetime_utc,omitempty"`
	Depots           []DepotInfo   `json:"depots"`
	AppinfoFetchedAt time.Time     `json:"appinfo_fetched_at"`
	MetadataVersion  string        `json:"metadata_version,omitempty"`
}

func (m JobMetadata) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return fmt.Errorf("job metadata: job id is required")
	}
	if len(m.Depots) == 0 {
		return fmt.Errorf("job metadata %s: no depots", m.JobID)
	}
	if m.PrimaryDepotID == "" {
		return nil
	}
	if _, ok := m.Depot(m.PrimaryDepotID); !ok {
		return fmt.Errorf("job metadata %s: primary depot %s not in depot list", m.JobID, m.PrimaryDepotID)
	}
	return nil
}

func (m JobMetadata) Depot(id string) (DepotInfo, bool) {
	for _, d := range m.Depots {
		if d.DepotID == id {
			return d, true
		}
	}
	return DepotInfo{}, false
}

type OutputConflictChoice string

const (
	ConflictOverwrite OutputConflictChoice = "overwrite"
	ConflictCopy      OutputConflictChoice = "copy"
	ConflictCancel    OutputConflictChoice = "cancel"
)

func ParseConflictChoice(raw string) (OutputConflictChoice, error) {
	switch OutputConflictChoice(strings.ToLower(strings.TrimSpace(raw))) {
	case ConflictOverwrite:
		return ConflictOverwrite, nil
	case ConflictCopy:
		return ConflictCopy, nil
	case ConflictCancel:
		return ConflictCancel, nil
	default:
		return "", fmt.Errorf("invalid conflict choice %q (expected overwrite, copy, or cancel)", strings.TrimSpace(raw))
	}
}

type OutputConflictPrompt struct {
	JobID      string `json:"job_id"`
	OutputPath string `json:"output_path"`
	OutputName string `json:"output_name"`
}
