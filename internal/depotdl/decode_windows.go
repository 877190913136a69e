//go:build windows

package depotdl

import "golang.org/x/sys/windows"

var (
	kernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procGetConsoleOutputCP = kernel32.NewProc("GetConsoleOutputCP")
	procGetOEMCP           = kernel32.NewProc("GetOEMCP")
)

// PlatformDecoder probes the active console code page, then the OEM code page.
func PlatformDecoder() Decoder {
	return DecoderForCodePages(callCodePage(procGetConsoleOutputCP), callCodePage(procGetOEMCP))
}

func callCodePage(proc *windows.LazyProc) uint32 {
	if err := proc.Find(); err != nil {
		return 0
	}
	r, _, _ := proc.Call()
	return uint32(r)
}
