package lockfile

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

// toolsHashDelimiter joins tool names before hashing. Tool names are
// single-line identifiers per the protocol, so a newline can never
// appear inside one.
const toolsHashDelimiter = "\n"

// ToolsHash computes the deterministic digest over a server's tool
// names. The input is sorted first, so any ordering of the same set
// yields the same hash. Empty set hashes to "".
func ToolsHash(tools []string) string {
	if len(tools) == 0 {
		return ""
	}
	sorted := make([]string, len(tools))
	copy(sorted, tools)
	sort.Strings(sorted)

	hash := sha256.Sum256([]byte(strings.Join(sorted, toolsHashDelimiter)))
	return fmt.Sprintf("sha256:%x", hash)
}

// Integrity formats a raw digest as the lockfile's "<algo>-<hex>" pin.
func Integrity(algo string, digest []byte) string {
	return fmt.Sprintf("%s-%x", algo, digest)
}
