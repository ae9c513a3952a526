package bsd

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// BufferConfig is the buffer-size configuration record sent to the service
// at client registration. It also determines the transfer memory size the
// service uses as socket buffer backing.
type BufferConfig struct {
	Version uint32 `yaml:"version"`

	TCPTxBufSize    uint32 `yaml:"tcp_tx_buf_size"`
	TCPRxBufSize    uint32 `yaml:"tcp_rx_buf_size"`
	TCPTxBufMaxSize uint32 `yaml:"tcp_tx_buf_max_size"` // 0 fixes the buffer to its initial size
	TCPRxBufMaxSize uint32 `yaml:"tcp_rx_buf_max_size"` // 0 fixes the buffer to its initial size

	UDPTxBufSize uint32 `yaml:"udp_tx_buf_size"`
	UDPRxBufSize uint32 `yaml:"udp_rx_buf_size"`

	SBEfficiency uint32 `yaml:"sb_efficiency"` // buffers per socket, standard values 1..8
}

// DefaultBufferConfig is the documented default configuration.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		Version: 1,

		TCPTxBufSize:    0x8000,
		TCPRxBufSize:    0x10000,
		TCPTxBufMaxSize: 0x40000,
		TCPRxBufMaxSize: 0x40000,

		UDPTxBufSize: 0x2400,
		UDPRxBufSize: 0xA500,

		SBEfficiency: 4,
	}
}

// ReadBufferConfig decodes a YAML buffer configuration. Fields left out keep
// their zero value, so callers usually start from DefaultBufferConfig and
// overlay a file on top.
func ReadBufferConfig(r io.Reader) (BufferConfig, error) {
	cfg := DefaultBufferConfig()
	data, err := io.ReadAll(r)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("bsd: parse buffer config: %w", err)
	}
	return cfg, nil
}

const pageSize = 0x1000

// TransferMemorySize computes the minimal transfer memory for a
// configuration. A smaller region starves the service's TCP window: the
// stack answers with ZeroWindow packets and throughput collapses to about
// one byte per second, so undersizing degrades rather than breaks.
func TransferMemorySize(cfg BufferConfig) uint64 {
	tcpTxMax := cfg.TCPTxBufMaxSize
	if tcpTxMax == 0 {
		tcpTxMax = cfg.TCPTxBufSize
	}
	tcpRxMax := cfg.TCPRxBufMaxSize
	if tcpRxMax == 0 {
		tcpRxMax = cfg.TCPRxBufSize
	}
	sum := uint64(tcpTxMax) + uint64(tcpRxMax) + uint64(cfg.UDPTxBufSize) + uint64(cfg.UDPRxBufSize)
	sum = (sum + pageSize - 1) &^ (pageSize - 1)
	return uint64(cfg.SBEfficiency) * sum
}

// TransferMemory is the shared memory region registered with the service at
// session establishment. Its size is fixed for the session's lifetime.
type TransferMemory struct {
	Handle uint32
	Size   uint64
}
