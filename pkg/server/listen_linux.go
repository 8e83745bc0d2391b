//go:build linux

package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// logListenBacklog logs the kernel's listen backlog limit (Linux-specific)
func logListenBacklog(logger logrus.FieldLogger, addr string) {
	var somaxconn int
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		fmt.Sscanf(string(data), "%d", &somaxconn)
	}

	logger.WithFields(logrus.Fields{
		"addr":      addr,
		"somaxconn": somaxconn,
	}).Info("WebSocket host listening")
	if somaxconn > 0 && somaxconn < 4096 {
		logger.WithField("somaxconn", somaxconn).
			Warn("net.core.somaxconn may be too low for connection bursts; consider sysctl -w net.core.somaxconn=65535")
	}
}

// monitorListenOverflows periodically exports kernel listen queue overflows
// (Linux-specific) until ctx is done
func (s *Server) monitorListenOverflows(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	last := getListenOverflows()

	for {
		select {
		case <-ticker.C:
			overflows := getListenOverflows()
			if overflows > last {
				delta := overflows - last
				s.metrics.RecordListenOverflows(delta)
				s.logger.WithFields(logrus.Fields{
					"rejected": delta,
					"total":    overflows,
				}).Warn("Connections rejected due to listen backlog overflow")
			}
			last = overflows

		case <-ctx.Done():
			return
		}
	}
}

// getListenOverflows reads the ListenOverflows counter from /proc/net/netstat
func getListenOverflows() uint64 {
	file, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer file.Close()

	return parseListenOverflows(file)
}

func parseListenOverflows(r io.Reader) uint64 {
	scanner := bufio.NewScanner(r)
	var headers, values []string

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "TcpExt:") {
			continue
		}
		fields := strings.Fields(line)[1:]
		if headers == nil {
			headers = fields
			continue
		}
		values = fields
		break
	}

	for i, header := range headers {
		if header == "ListenOverflows" && i < len(values) {
			var overflows uint64
			fmt.Sscanf(values[i], "%d", &overflows)
			return overflows
		}
	}
	return 0
}
