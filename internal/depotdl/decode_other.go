//go:build !windows

package depotdl

func PlatformDecoder() Decoder {
	return UTF8Decoder{}
}
