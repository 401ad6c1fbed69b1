//go:build linux

package local

import (
	"syscall"
	"time"
)

func accessTime(st *syscall.Stat_t) time.Time {
	return time.Unix(st.Atim.Unix())
}
