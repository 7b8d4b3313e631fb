package imapprober

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DumpEntry is one record in a raw dump's summary index.
type DumpEntry struct {
	Folder      string    `json:"folder"`
	UID         uint32    `json:"uid"`
	File        string    `json:"file"`
	Size        int       `json:"size"`
	ReceivedAt  time.Time `json:"received_at"`
	DumpedAt    time.Time `json:"dumped_at"`
}

// DumpSummary is the index file written alongside every dumped message.
type DumpSummary struct {
	Account string      `json:"account"`
	Folders []string    `json:"folders"`
	Entries []DumpEntry `json:"entries"`
}

// RawDump enumerates every selectable folder, fetches up to perFolderLimit most recent
// messages per folder, and persists each as a file named "<folder>_<uid>.eml" under
// dir, alongside a summary.json index.
func (s *Session) RawDump(ctx context.Context, dir string, perFolderLimit int) (DumpSummary, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return DumpSummary{}, fmt.Errorf("imapprober: create dump dir: %w", err)
	}

	summary := DumpSummary{Account: s.account.Email}
	for folder := range s.folders {
		summary.Folders = append(summary.Folders, folder)

		messages, err := s.ListMessages(ctx, folder)
		if err != nil {
			continue
		}
		if len(messages) > perFolderLimit {
			messages = messages[:perFolderLimit]
		}

		for _, m := range messages {
			raw, err := s.FetchRaw(folder, m.Envelope.UID)
			if err != nil {
				continue
			}

			filename := sanitizeDumpFilename(folder, m.Envelope.UID)
			if err := os.WriteFile(filepath.Join(dir, filename), raw.Raw, 0o644); err != nil {
				continue
			}

			summary.Entries = append(summary.Entries, DumpEntry{
				Folder:     folder,
				UID:        m.Envelope.UID,
				File:       filename,
				Size:       len(raw.Raw),
				ReceivedAt: m.Envelope.ReceivedAt,
				DumpedAt:   time.Now(),
			})
		}
	}

	indexBytes, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return summary, fmt.Errorf("imapprober: marshal dump summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "summary.json"), indexBytes, 0o644); err != nil {
		return summary, fmt.Errorf("imapprober: write dump summary: %w", err)
	}
	return summary, nil
}

func sanitizeDumpFilename(folder string, uid uint32) string {
	clean := make([]rune, 0, len(folder))
	for _, r := range folder {
		if r == '/' || r == '\\' || r == ' ' {
			clean = append(clean, '_')
			continue
		}
		clean = append(clean, r)
	}
	return fmt.Sprintf("%s_%d.eml", string(clean), uid)
}
