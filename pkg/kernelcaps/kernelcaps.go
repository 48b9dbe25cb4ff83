// Package kernelcaps implements a bind()-time capability diagnostic:
// it compares the running kernel against the versions below which the
// host's mac80211/nl80211 stack is old enough that monitor-mode
// reporting or vendor-IE injection is likely to be unreliable. It can
// never be a hard failure — kernel version alone never proves or
// disproves that a modified firmware is present.
package kernelcaps

import (
	"fmt"

	"github.com/docker/docker/pkg/parsers/kernel"
)

// minMonitorModeKernel is the earliest kernel line this module treats
// as having dependable mac80211 monitor-mode probe-request reporting
// on the inbound path.
var minMonitorModeKernel = kernel.VersionInfo{Kernel: 4, Major: 9, Minor: 0}

// minVendorIEInjectionKernel is the version below which nl80211's
// vendor-specific IE attributes for injected management frames are
// unreliable enough that defaulting to the 264-byte MTU is risky;
// SetServerVendorIECapable(false) is the safer default below this
// line.
var minVendorIEInjectionKernel = kernel.VersionInfo{Kernel: 4, Major: 19, Minor: 0}

// Report is the result of one Check call.
type Report struct {
	// Version is nil only when the host kernel version could not be
	// determined at all (e.g. an unsupported OS); Warnings then holds
	// exactly one entry explaining that.
	Version  *kernel.VersionInfo
	Warnings []string
}

// Check inspects the running kernel and returns any capability
// warnings bind() should log before starting the inbound loop. It
// never returns an error: an undetectable kernel version is itself
// reported as a warning, not a failure — the tunnel never fails
// upward over an external-channel diagnostic.
func Check() Report {
	v, err := kernel.GetKernelVersion()
	if err != nil {
		return Report{Warnings: []string{
			fmt.Sprintf("kernelcaps: could not determine kernel version (%v); assuming minimum capability", err),
		}}
	}

	var warnings []string
	if kernel.CompareKernelVersion(*v, minMonitorModeKernel) < 0 {
		warnings = append(warnings, fmt.Sprintf(
			"kernelcaps: kernel %s is older than %s; monitor-mode probe-request capture may miss frames under load",
			v, &minMonitorModeKernel))
	}
	if kernel.CompareKernelVersion(*v, minVendorIEInjectionKernel) < 0 {
		warnings = append(warnings, fmt.Sprintf(
			"kernelcaps: kernel %s is older than %s; vendor-IE injection for CON_INIT_RSP1/RSP2 may not be honoured, consider disabling server vendor-IE capability",
			v, &minVendorIEInjectionKernel))
	}
	return Report{Version: v, Warnings: warnings}
}

// Logger is the subset of *logrus.Logger this package needs, so it
// does not have to import logrus just to call one method.
type Logger interface {
	Warn(args ...interface{})
}

// LogWarnings logs every warning in rep at Warn level. log may be nil,
// in which case warnings are silently discarded — Check/LogWarnings is
// a diagnostic, never a gate on bind() succeeding.
func (rep Report) LogWarnings(log Logger) {
	if log == nil {
		return
	}
	for _, w := range rep.Warnings {
		log.Warn(w)
	}
}
