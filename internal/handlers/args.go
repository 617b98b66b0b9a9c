package handlers

import (
	"strconv"
	"strings"
	"time"

	"github.com/The-Promised-Neverland/storage-agent/internal/models"
	"github.com/The-Promised-Neverland/storage-agent/internal/protocol"
	"github.com/The-Promised-Neverland/storage-agent/internal/transfer"
)

// args reads positional command arguments, recording the first problem.
type args struct {
	cmd *models.Command
	err error
}

func argsOf(cmd *models.Command, want int) *args {
	a := &args{cmd: cmd}
	if len(cmd.Args) < want {
		a.err = protocol.InvalidArgument("%s expects %d arguments, got %d", cmd.Name, want, len(cmd.Args))
	}
	return a
}

func (a *args) str(i int) string {
	if a.err != nil || i >= len(a.cmd.Args) {
		return ""
	}
	return a.cmd.Args[i]
}

func (a *args) num(i int) int64 {
	s := strings.TrimSpace(a.str(i))
	if a.err != nil || s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		a.err = protocol.InvalidArgument("%s argument %d: %q is not an integer", a.cmd.Name, i, s)
	}
	return v
}

func (a *args) flag(i int) bool {
	s := strings.TrimSpace(a.str(i))
	if a.err != nil || s == "" {
		return false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		a.err = protocol.InvalidArgument("%s argument %d: %q is not a boolean", a.cmd.Name, i, s)
	}
	return v
}

// millis reads an epoch-millisecond timestamp.
func (a *args) millis(i int) time.Time {
	v := a.num(i)
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func (a *args) index(i int) transfer.Index {
	s := a.str(i)
	if a.err != nil {
		return 0
	}
	idx, err := transfer.ParseIndex(s)
	if err != nil {
		a.err = protocol.InvalidArgument("%s: bad transfer index %q", a.cmd.Name, s)
	}
	return idx
}

// ascii reads the transfer type: "A" for ASCII, "I" for binary.
func (a *args) ascii(i int) bool {
	switch strings.ToUpper(strings.TrimSpace(a.str(i))) {
	case "A":
		return true
	case "I", "":
		return false
	default:
		if a.err == nil {
			a.err = protocol.InvalidArgument("%s: unknown transfer type %q", a.cmd.Name, a.str(i))
		}
		return false
	}
}
