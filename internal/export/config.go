// Package export writes bulk snapshots of directory, registry and result
// data to a local directory or an FTP server.
//
// At most one export of a kind runs at a time across all processes; the
// running flag lives in the export_statuses table and is taken with a
// conditional update. The optional cron schedule is stored and validated
// here but triggered by an external scheduler.
package export

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"request-network/internal/apperrors"
)

const (
	KindUsers        = "users"
	KindProfileTypes = "profile_types"
	KindRequestTypes = "request_types"
	KindResults      = "results"
)

var AllKinds = []string{KindUsers, KindProfileTypes, KindRequestTypes, KindResults}

const (
	FormatJSON   = "json"
	FormatNDJSON = "ndjson"

	DestinationLocal = "local"
	DestinationFTP   = "ftp"
)

func ValidKind(kind string) bool {
	for _, k := range AllKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ConfigInput is an administrator's export configuration. An empty
// FTPPassword keeps the stored one.
type ConfigInput struct {
	Enabled         bool     `json:"enabled"`
	Format          string   `json:"format"`
	DestinationType string   `json:"destination_type"`
	LocalPath       string   `json:"local_path"`
	FTPHost         string   `json:"ftp_host"`
	FTPPort         int      `json:"ftp_port"`
	FTPUsername     string   `json:"ftp_username"`
	FTPPassword     string   `json:"ftp_password"`
	FTPPath         string   `json:"ftp_path"`
	FTPUseTLS       bool     `json:"ftp_use_tls"`
	Schedule        string   `json:"schedule"`
	Kinds           []string `json:"kinds"`
	UsersActiveOnly bool     `json:"users_active_only"`
}

func (in *ConfigInput) Validate() error {
	if in.Format == "" {
		in.Format = FormatJSON
	}
	if in.Format != FormatJSON && in.Format != FormatNDJSON {
		return apperrors.Validation("invalid_format", fmt.Sprintf("unsupported export format %q", in.Format))
	}

	switch in.DestinationType {
	case DestinationLocal:
		if strings.TrimSpace(in.LocalPath) == "" {
			return apperrors.Validation("invalid_destination", "local_path is required for local exports")
		}
	case DestinationFTP:
		if strings.TrimSpace(in.FTPHost) == "" {
			return apperrors.Validation("invalid_destination", "ftp_host is required for ftp exports")
		}
		if in.FTPPort == 0 {
			in.FTPPort = 21
		}
		if in.FTPPort < 1 || in.FTPPort > 65535 {
			return apperrors.Validation("invalid_destination", "ftp_port must be between 1 and 65535")
		}
		if in.FTPPath == "" {
			in.FTPPath = "/"
		}
	default:
		return apperrors.Validation("invalid_destination", fmt.Sprintf("unsupported destination type %q", in.DestinationType))
	}

	if in.Schedule != "" {
		if _, err := cron.ParseStandard(in.Schedule); err != nil {
			return apperrors.Validation("invalid_schedule", fmt.Sprintf("schedule is not a valid cron expression: %v", err))
		}
	}

	if len(in.Kinds) == 0 {
		in.Kinds = AllKinds
	}
	for _, k := range in.Kinds {
		if !ValidKind(k) {
			return apperrors.Validation("invalid_kind", fmt.Sprintf("unknown export kind %q", k))
		}
	}
	return nil
}

func joinKinds(kinds []string) string {
	return strings.Join(kinds, ",")
}

// SplitKinds parses the stored comma list of enabled kinds.
func SplitKinds(s string) []string {
	var out []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}
