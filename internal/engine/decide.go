package engine

import (
	"errors"

	"github.com/alexjbarnes/davsync/internal/state"
	"github.com/alexjbarnes/davsync/internal/webdav"
)

// ErrConflictUnresolved is returned when both sides changed since the
// last sync point and no overwrite policy is configured. Nothing is
// transferred in that case.
var ErrConflictUnresolved = errors.New("conflict: local and remote both changed")

// Action is the transfer decision for one file.
type Action int

const (
	// ActionNone means both sides match the last sync point; no
	// transfer is needed.
	ActionNone Action = iota

	// ActionUpload pushes the local file to the remote resource.
	ActionUpload

	// ActionDownload replaces the local file with the remote content.
	ActionDownload
)

func (a Action) String() string {
	switch a {
	case ActionUpload:
		return "upload"
	case ActionDownload:
		return "download"
	default:
		return "none"
	}
}

// ConflictPolicy selects the winning side when both changed.
type ConflictPolicy int

const (
	// PolicyNone refuses to resolve conflicts.
	PolicyNone ConflictPolicy = iota

	// PolicyOverwriteLocal lets the remote win: download, discarding
	// local changes.
	PolicyOverwriteLocal

	// PolicyOverwriteRemote lets the local side win: upload, discarding
	// remote changes.
	PolicyOverwriteRemote
)

// LocalState is the observed state of the local file.
type LocalState struct {
	Exists bool
	Hash   string
}

// Decide compares the current local and remote state against the
// recorded sync point and picks the action. Pure function, no I/O; the
// engine performs transfers based on the result.
//
// Remote change detection compares the resource's current change tag
// (ETag, or Last-Modified when the server sends none) against the tag
// recorded at the last sync. Local change detection compares content
// hashes.
func Decide(local LocalState, remote webdav.ResourceInfo, prev *state.SyncRecord, policy ConflictPolicy) (Action, error) {
	// No recorded sync point: first contact with this file.
	if prev == nil {
		switch {
		case local.Exists:
			return ActionUpload, nil
		case remote.Exists:
			return ActionDownload, nil
		default:
			return ActionNone, nil
		}
	}

	localChanged := !local.Exists || local.Hash != prev.LocalHash

	var remoteChanged bool
	if !remote.Exists {
		remoteChanged = true
	} else {
		remoteChanged = remote.ChangeTag() != prev.RemoteETag
	}

	switch {
	case !localChanged && !remoteChanged:
		return ActionNone, nil

	case localChanged && !remoteChanged:
		// A locally deleted file has no content to upload; restore it
		// from the unchanged remote instead.
		if !local.Exists {
			return ActionDownload, nil
		}

		return ActionUpload, nil

	case !localChanged && remoteChanged:
		// A remotely deleted resource has nothing to download; push the
		// clean local copy back up.
		if !remote.Exists {
			return ActionUpload, nil
		}

		return ActionDownload, nil

	default:
		switch policy {
		case PolicyOverwriteLocal:
			if !remote.Exists {
				return ActionUpload, nil
			}

			return ActionDownload, nil
		case PolicyOverwriteRemote:
			if !local.Exists {
				return ActionDownload, nil
			}

			return ActionUpload, nil
		default:
			return ActionNone, ErrConflictUnresolved
		}
	}
}
