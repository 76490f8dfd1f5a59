// Package executable manages the on-disk lifecycle of externally supplied
// executable artifacts (user-defined extension code) before they are
// installed on the cluster.
//
// # Layout
//
// A Manager owns two roots:
//
//	{tempRoot}/{requestID}/{fileName}   staged downloads, one directory per request
//	{tempRoot}/{name}                   small metadata files (WriteTextToStaging)
//	{libRoot}/{name}/...                promoted directories (PromoteDirectory)
//	{libRoot}/{fileName}                flat files (PromoteFile, WriteToLibrary)
//
// # Staging
//
// Request allocates an id under a mutex. Ids whose directory already exists
// are skipped, so leftovers from a crashed run are never reused even though
// the in-memory counter restarts at zero. The directory is created while the
// lock is held, which claims the id for the caller.
//
// Downloads are all-or-nothing. Either every URI lands in the staging
// directory, or the directory is deleted and the triggering error returned.
//
// # Transfer
//
// ReadBuffer loads a staged file into a single buffer for the node
// transport. The transport encodes lengths as signed 32-bit integers, so
// files above MaxBufferSize (2^31-1 bytes) are rejected with ErrOversize.
//
// # Errors
//
// Failures are reported as *DownloadError, *OversizeError or
// *FilesystemError and can be matched with errors.Is against ErrDownload,
// ErrOversize and ErrFilesystem. Only Request cleans up after itself; no
// method retries.
package executable
