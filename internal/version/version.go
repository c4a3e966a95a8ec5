// Package version хранит сведения о сборке payment-service, которые выставляются через -ldflags.
package version

import (
	"fmt"
	"strings"
)

const product = "paysaga"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GetVersion возвращает версию сборки (отдаётся в /healthz).
func GetVersion() string { return version }

// String — строка для стартового лога.
func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", version, commit, date)
}

// UserAgent подписывает исходящие запросы к PG: paysaga/<version>, плюс короткий
// коммит, если он известен.
func UserAgent() string {
	ua := product + "/" + strings.TrimPrefix(version, "v")
	if commit == "" || commit == "unknown" {
		return ua
	}
	short := commit
	if len(short) > 7 {
		short = short[:7]
	}
	return ua + " (" + short + ")"
}
