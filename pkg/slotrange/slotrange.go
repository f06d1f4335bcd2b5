package slotrange

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	stagingDirName = "staging"
	finalDirName   = "final"
	journalDirName = "journal"

	rangePrefix  = "range_"
	genSeparator = "_gen"

	// prefix for a final-directory assembly area. Anything carrying it is
	// partial and excluded from the uploader's view of final/.
	commitTmpPrefix = ".tmp_"
)

// Range is an inclusive span of slots covered by one archive group.
type Range struct {
	Start uint64
	End   uint64
}

// For returns the range of the given width that covers slot.
func For(slot, width uint64) Range {
	start := slot - slot%width
	return Range{Start: start, End: start + width - 1}
}

// AlignUp returns the first range-aligned slot greater than or equal to slot.
func AlignUp(slot, width uint64) uint64 {
	if slot%width == 0 {
		return slot
	}
	return slot + (width - slot%width)
}

// Contains reports whether slot falls inside the range.
func (r Range) Contains(slot uint64) bool {
	return slot >= r.Start && slot <= r.End
}

// Width returns the number of slots the range spans.
func (r Range) Width() uint64 {
	return r.End - r.Start + 1
}

// FormatSlot renders a slot as zero-padded hex so names sort in slot order.
func FormatSlot(slot uint64) string {
	return fmt.Sprintf("%016x", slot)
}

func (r Range) String() string {
	return rangePrefix + FormatSlot(r.Start) + "_" + FormatSlot(r.End)
}

// DirName returns the directory name for a range generation.
// Generation 1 carries no suffix; later generations append "_gen<N>".
func DirName(r Range, generation uint32) string {
	if generation <= 1 {
		return r.String()
	}
	return r.String() + genSeparator + strconv.FormatUint(uint64(generation), 10)
}

// DataFileName returns the name a generation's data file carries inside a
// committed range directory.
func DataFileName(generation uint32) string {
	if generation <= 1 {
		return "data.bin"
	}
	return fmt.Sprintf("data_gen%d.bin", generation)
}

// StagingRoot returns the staging directory for a workspace.
func StagingRoot(workspace string) string {
	return filepath.Join(workspace, stagingDirName)
}

// FinalRoot returns the final directory for a workspace.
func FinalRoot(workspace string) string {
	return filepath.Join(workspace, finalDirName)
}

// JournalDir returns the recovery journal directory for a workspace.
func JournalDir(workspace string) string {
	return filepath.Join(workspace, journalDirName)
}

// ManifestPath returns the location of the commit manifest database.
func ManifestPath(workspace string) string {
	return filepath.Join(workspace, "manifest.db")
}

// StagingDir returns the staging directory for one range generation.
func StagingDir(workspace string, r Range, generation uint32) string {
	return filepath.Join(StagingRoot(workspace), DirName(r, generation))
}

// StagingDataPath returns the data file path for one staged range generation.
// Every staging directory holds a single file named data.bin regardless of
// generation; the generation lives in the directory name.
func StagingDataPath(workspace string, r Range, generation uint32) string {
	return filepath.Join(StagingDir(workspace, r, generation), "data.bin")
}

// FinalDir returns the committed directory for a range.
func FinalDir(workspace string, r Range) string {
	return filepath.Join(FinalRoot(workspace), r.String())
}

// CommitTmpDir returns the assembly directory used while a range group is
// being promoted. It lives under final/ so the terminal rename stays on one
// filesystem.
func CommitTmpDir(workspace string, r Range) string {
	return filepath.Join(FinalRoot(workspace), commitTmpPrefix+r.String())
}

// IsCommitTmpName reports whether a directory name is a promotion assembly
// area rather than a committed range.
func IsCommitTmpName(name string) bool {
	return strings.HasPrefix(name, commitTmpPrefix)
}

// ParseDirName parses a staging or final directory name back into its range
// and generation. Intended for tooling and tests; recovery reconstructs state
// from the journal, never from directory names.
func ParseDirName(name string) (r Range, generation uint32, ok bool) {
	name = strings.TrimPrefix(name, commitTmpPrefix)
	if !strings.HasPrefix(name, rangePrefix) {
		return Range{}, 0, false
	}
	rest := strings.TrimPrefix(name, rangePrefix)

	generation = 1
	if idx := strings.Index(rest, genSeparator); idx >= 0 {
		g, err := strconv.ParseUint(rest[idx+len(genSeparator):], 10, 32)
		if err != nil || g < 2 {
			return Range{}, 0, false
		}
		generation = uint32(g)
		rest = rest[:idx]
	}

	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 || len(parts[0]) != 16 || len(parts[1]) != 16 {
		return Range{}, 0, false
	}
	start, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return Range{}, 0, false
	}
	end, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil || end < start {
		return Range{}, 0, false
	}
	return Range{Start: start, End: end}, generation, true
}
