package syms

// Status classifies the usability of an on-disk ELF or debug file.
type Status string

const (
	OK                     Status = "OK"
	NOT_FOUND              Status = "NOT_FOUND"
	NO_READ_PERMISSION     Status = "NO_READ_PERMISSION"
	NOT_ELF                Status = "NOT_ELF"
	CORRUPTED              Status = "CORRUPTED"
	INCOMPLETE             Status = "INCOMPLETE"
	UNSUPPORTED_COMPRESSED Status = "UNSUPPORTED_COMPRESSED"
	MISMATCH_BUILD_ID      Status = "MISMATCH_BUILD_ID"
	READ_ERROR             Status = "READ_ERROR"
	UNKNOWN_ERROR          Status = "UNKNOWN_ERROR"
	// UNKNOWN means the status was not computed, e.g. the debug file in plain
	// mode where the resolver tool performs its own lookup.
	UNKNOWN Status = "UNKNOWN"
)

var allStatuses = []Status{
	OK, NOT_FOUND, NO_READ_PERMISSION, NOT_ELF, CORRUPTED, INCOMPLETE,
	UNSUPPORTED_COMPRESSED, MISMATCH_BUILD_ID, READ_ERROR, UNKNOWN_ERROR, UNKNOWN,
}

func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Reason is recorded for every job that did not produce an inline chain.
type Reason string

const (
	ReasonNotFound              Reason = Reason(NOT_FOUND)
	ReasonNoReadPermission      Reason = Reason(NO_READ_PERMISSION)
	ReasonNotElf                Reason = Reason(NOT_ELF)
	ReasonCorrupted             Reason = Reason(CORRUPTED)
	ReasonIncomplete            Reason = Reason(INCOMPLETE)
	ReasonUnsupportedCompressed Reason = Reason(UNSUPPORTED_COMPRESSED)
	ReasonMismatchBuildID       Reason = Reason(MISMATCH_BUILD_ID)
	ReasonReadError             Reason = Reason(READ_ERROR)
	ReasonUnknownError          Reason = Reason(UNKNOWN_ERROR)
	// ReasonNoSymbol: the tool answered, but with nothing but "??".
	ReasonNoSymbol Reason = "NO_SYMBOL"
	// ReasonAborted: the run was cancelled before the job was dispatched.
	ReasonAborted Reason = "ABORTED"
)

// StatusReason maps a file status onto the failure reason it causes. OK and
// UNKNOWN do not explain a failure by themselves and map to UNKNOWN_ERROR.
func StatusReason(s Status) Reason {
	switch s {
	case NOT_FOUND:
		return ReasonNotFound
	case NO_READ_PERMISSION:
		return ReasonNoReadPermission
	case NOT_ELF:
		return ReasonNotElf
	case CORRUPTED:
		return ReasonCorrupted
	case INCOMPLETE:
		return ReasonIncomplete
	case UNSUPPORTED_COMPRESSED:
		return ReasonUnsupportedCompressed
	case MISMATCH_BUILD_ID:
		return ReasonMismatchBuildID
	case READ_ERROR:
		return ReasonReadError
	case OK, UNKNOWN, UNKNOWN_ERROR:
		return ReasonUnknownError
	}
	return ReasonUnknownError
}

// FallbackPolicy decides what the stack rebuilder emits for a frame without an
// inline chain.
type FallbackPolicy string

const (
	// FallbackDrop omits the frame; it is still listed in the failure report.
	FallbackDrop FallbackPolicy = "drop"
	// FallbackLabel emits one frame carrying the func hint or "??".
	FallbackLabel FallbackPolicy = "label"
)

func (p FallbackPolicy) Valid() bool { return p == FallbackDrop || p == FallbackLabel }

// Mode selects how target files are resolved and which resolver tool runs.
type Mode string

const (
	// ModePlain hands the binary to the tool and lets it find debug files.
	ModePlain Mode = "plain"
	// ModePrecise searches debug-link, build-id and distribution layouts first.
	ModePrecise Mode = "precise"
)

func (m Mode) Valid() bool { return m == ModePlain || m == ModePrecise }
