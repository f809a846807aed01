package exchange

import (
	"crypto/sha256"
	"errors"
	"regexp"
	"strconv"

	"github.com/gateway-fm/perpsim/internal/rpc"
)

var (
	errorMessageRe = regexp.MustCompile(`Error Message: (.+)`)
	computeUnitsRe = regexp.MustCompile(`consumed (\d+) of (\d+)`)
)

// UserAccountDataOffsetIdle is the byte offset of the idle flag in user account data.
const UserAccountDataOffsetIdle = 4350

// UserDiscriminator is the Anchor account discriminator of user accounts.
var UserDiscriminator = accountDiscriminator("User")

func accountDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("account:" + name))
	return sum[:8]
}

// ExtractError returns the first program error message in logs, or "".
func ExtractError(logs []string) string {
	for _, line := range logs {
		if m := errorMessageRe.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return ""
}

// ParseComputeUnits returns the compute units consumed reported by the last
// matching log line, or -1 when none is present.
func ParseComputeUnits(logs []string) int64 {
	used := int64(-1)
	for _, line := range logs {
		if m := computeUnitsRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				used = v
			}
		}
	}
	return used
}

// ErrorLogs returns the program logs attached to a gateway error.
func ErrorLogs(err error) []string {
	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Logs
	}
	return nil
}

// ErrorMessage returns the program error message behind err, falling back
// to err's text when the logs carry none.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	if msg := ExtractError(ErrorLogs(err)); msg != "" {
		return msg
	}
	return err.Error()
}
