package main

import (
	"fmt"
	"time"
)

var appversion = "1.0.0"

// formatBytes renders n with the largest unit that keeps it >= 1.
func formatBytes[T dataSizeNumber](n T) string {
	if n < 0 {
		return fmt.Sprintf("%d bytes", n)
	}
	v := uint64(n)
	for _, u := range units {
		if v >= u.Threshold {
			if u.Threshold == 1 {
				return fmt.Sprintf("%d bytes", v)
			}
			return fmt.Sprintf("%.2f %s", float64(v)/float64(u.Threshold), u.Name)
		}
	}
	return "0 bytes"
}

// formatSpeed renders a byte rate.
func formatSpeed(bps float64) string {
	if bps <= 0 {
		return "0 bytes/s"
	}
	return formatBytes(uint64(bps)) + "/s"
}

// formatETA renders a remaining duration as hh:mm:ss.f.
func formatETA(d time.Duration, known bool) string {
	if !known {
		return "--:--:--.-"
	}
	if d < 0 {
		d = 0
	}
	hours := int(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	mins := int(d / time.Minute)
	d -= time.Duration(mins) * time.Minute
	secs := d.Seconds()
	return fmt.Sprintf("%02d:%02d:%04.1f", hours, mins, secs)
}
