package model

import (
	"context"
	"fmt"
	"os/exec"
	goruntime "runtime"
	"strings"
	"time"
)

// Device names a compute target.
type Device string

const (
	DeviceCPU   Device = "cpu"
	DeviceCUDA  Device = "cuda"
	DeviceMetal Device = "metal"
)

// Precision names a numeric format for features and weights.
type Precision string

const (
	Float32 Precision = "float32"
	Float16 Precision = "float16"
)

// Capabilities lists the accelerators found on this host, most preferred first.
type Capabilities struct {
	Accelerators []Device
}

// Strategy is the device/precision pair fixed for the lifetime of a Handle.
type Strategy struct {
	Device    Device
	Precision Precision
}

func (s Strategy) String() string {
	return fmt.Sprintf("%s/%s", s.Device, s.Precision)
}

// SelectStrategy picks the first available accelerator at half precision and
// falls back to the CPU at full precision.
func SelectStrategy(caps Capabilities) Strategy {
	for _, d := range caps.Accelerators {
		if d != "" && d != DeviceCPU {
			return Strategy{Device: d, Precision: Float16}
		}
	}
	return Strategy{Device: DeviceCPU, Precision: Float32}
}

// ParseDevice validates a configured device preference. "auto" and "" are
// returned as "".
func ParseDevice(s string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return "", nil
	case "cpu":
		return DeviceCPU, nil
	case "cuda", "gpu":
		return DeviceCUDA, nil
	case "metal", "mps":
		return DeviceMetal, nil
	default:
		return "", fmt.Errorf("unknown device %q", s)
	}
}

// CapabilitiesFor returns the capability set a forced device implies. An
// empty device means "detect from the host".
func CapabilitiesFor(ctx context.Context, device Device) Capabilities {
	switch device {
	case "":
		return Detect(ctx)
	case DeviceCPU:
		return Capabilities{}
	default:
		return Capabilities{Accelerators: []Device{device}}
	}
}

// Detect inspects the host for accelerators. It is called once at startup.
func Detect(ctx context.Context) Capabilities {
	var caps Capabilities
	if hasCUDA(ctx) {
		caps.Accelerators = append(caps.Accelerators, DeviceCUDA)
	}
	if goruntime.GOOS == "darwin" && goruntime.GOARCH == "arm64" {
		caps.Accelerators = append(caps.Accelerators, DeviceMetal)
	}
	return caps
}

func hasCUDA(ctx context.Context) bool {
	path, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "--query-gpu=name", "--format=csv,noheader").Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) != ""
}
