package syncer

import "themesync/shared/types"

// Classify compares a local record with the remote one. The checks run
// from most to least specific and the first match wins.
func Classify(local *shared.LocalFileMeta, remote *shared.RemoteFileMeta) shared.SyncState {
	switch {
	case remote == nil:
		return shared.StateUntracked
	case local.LocalCommitHash == remote.HeadVersionHash:
		return shared.StateUpToDate
	case shared.HashMatches(local.ParentHash, remote.HeadVersionHash):
		return shared.StateLocalAhead
	case shared.HashMatches(remote.ParentHash, local.LocalCommitHash):
		return shared.StateRemoteAhead
	default:
		return shared.StateConflict
	}
}
