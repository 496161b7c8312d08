//go:build !whisper_cpp

package model

func whisperCompiled() bool { return false }
