package elfwriter

const (
	// HeaderNoteType is the type of the note describing the inspected
	// process and processor in a kpmap image.
	HeaderNoteType = 0x4B504D50 // KPMP
	// HeaderNoteName is the owner name of the header note.
	HeaderNoteName = "KPMAP Header"

	HeaderVersionPrefix = "Version: "
	HeaderCommPrefix    = "Comm: "
	HeaderPidPrefix     = "Pid: "
	HeaderPgdPrefix     = "Pgd: "
	HeaderPTIPrefix     = "PTI: "
)
