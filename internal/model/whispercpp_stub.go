//go:build !whisper_cpp

package model

import "errors"

func newWhisperCPPBackend(Info, Options) (Backend, error) {
	return nil, errors.New("whispercpp backend not compiled in (build with -tags whisper_cpp)")
}
