// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"os"
	"runtime"
	"strings"
)

// DeviceInfo is the environment snapshot attached to every record.
type DeviceInfo struct {
	Hostname   string `json:"hostname,omitempty"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	Runtime    string `json:"runtime"`
	CPUs       int    `json:"cpus"`
	Language   string `json:"language,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
	SDKVersion string `json:"sdkVersion,omitempty"`
}

// CollectDeviceInfo snapshots the current process environment.
// userAgent identifies the embedding application.
func CollectDeviceInfo(userAgent, sdkVersion string) DeviceInfo {
	hostname, _ := os.Hostname()
	return DeviceInfo{
		Hostname:   hostname,
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		Runtime:    runtime.Version(),
		CPUs:       runtime.NumCPU(),
		Language:   language(),
		UserAgent:  userAgent,
		SDKVersion: sdkVersion,
	}
}

// language derives a BCP 47-ish tag from the POSIX locale variables,
// e.g. "en_US.UTF-8" becomes "en-US".
func language() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		value := os.Getenv(key)
		if value == "" || value == "C" || value == "POSIX" {
			continue
		}
		if dot := strings.IndexByte(value, '.'); dot >= 0 {
			value = value[:dot]
		}
		return strings.ReplaceAll(value, "_", "-")
	}
	return ""
}
