// Package conf contains the struct that holds the configuration of the gateway.
package conf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/onideus/gaming-capture/internal/logger"
	"github.com/onideus/gaming-capture/internal/unit"
)

func firstThatExists(paths []string) string {
	for _, pa := range paths {
		_, err := os.Stat(pa)
		if err == nil {
			return pa
		}
	}
	return ""
}

// yaml.v2 decodes maps into map[interface{}]interface{}, which
// json.Marshal rejects.
func convertKeys(in interface{}) interface{} {
	switch v := in.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[fmt.Sprintf("%v", k)] = convertKeys(val)
		}
		return out

	case []interface{}:
		for i, val := range v {
			v[i] = convertKeys(val)
		}
	}
	return in
}

// Conf is a configuration.
type Conf struct {
	// General
	LogLevel        LogLevel        `json:"logLevel"`
	LogDestinations LogDestinations `json:"logDestinations"`
	LogFile         string          `json:"logFile"`

	// Capture producer
	IPCSocketPath  string `json:"ipcSocketPath"`
	VideoQueueSize int    `json:"videoQueueSize"`
	AudioQueueSize int    `json:"audioQueueSize"`

	// Signaling
	HTTPListenAddr string   `json:"httpListenAddr"`
	ReadTimeout    Duration `json:"readTimeout"`
	AllowedOrigins []string `json:"allowedOrigins"`

	// WebRTC
	VideoCodec            Codec      `json:"videoCodec"`
	MaxBitrateKbps        int        `json:"maxBitrateKbps"`
	MaxSessions           int        `json:"maxSessions"`
	WriteQueueSize        int        `json:"writeQueueSize"`
	HandshakeTimeout      Duration   `json:"handshakeTimeout"`
	WebRTCLocalUDPAddress string     `json:"webrtcLocalUDPAddress"`
	WebRTCICEServers      ICEServers `json:"webrtcICEServers"`
}

func (conf *Conf) setDefaults() {
	// General
	conf.LogLevel = LogLevel(logger.Info)
	conf.LogDestinations = LogDestinations{LogDestination(logger.DestinationStdout)}
	conf.LogFile = "gateway.log"

	// Capture producer
	conf.IPCSocketPath = "/tmp/gaming-capture.sock"
	conf.VideoQueueSize = 120
	conf.AudioQueueSize = 60

	// Signaling
	conf.HTTPListenAddr = ":8080"
	conf.ReadTimeout = 30 * Duration(time.Second)
	conf.AllowedOrigins = []string{"*"}

	// WebRTC
	conf.VideoCodec = Codec(unit.CodecH264)
	conf.MaxBitrateKbps = 5000
	conf.MaxSessions = 16
	conf.WriteQueueSize = 512
	conf.HandshakeTimeout = 10 * Duration(time.Second)
	conf.WebRTCICEServers = ICEServers{}
}

// Load loads a Conf.
func Load(fpath string, defaultConfPaths []string) (*Conf, string, error) {
	conf := &Conf{}

	fpath, err := conf.loadFromFile(fpath, defaultConfPaths)
	if err != nil {
		return nil, "", err
	}

	err = loadFromEnvironment("GATEWAY", conf)
	if err != nil {
		return nil, "", err
	}

	err = conf.Validate()
	if err != nil {
		return nil, "", err
	}

	return conf, fpath, nil
}

func (conf *Conf) loadFromFile(fpath string, defaultConfPaths []string) (string, error) {
	if fpath == "" {
		fpath = firstThatExists(defaultConfPaths)

		// when the configuration file is not explicitly set,
		// it is optional.
		if fpath == "" {
			conf.setDefaults()
			return "", nil
		}
	}

	byts, err := os.ReadFile(fpath)
	if err != nil {
		return "", err
	}

	var temp interface{}
	err = yaml.Unmarshal(byts, &temp)
	if err != nil {
		return "", err
	}

	byts, err = json.Marshal(convertKeys(temp))
	if err != nil {
		return "", err
	}

	err = json.Unmarshal(byts, conf)
	if err != nil {
		return "", err
	}

	return fpath, nil
}

// Clone clones the configuration.
func (conf Conf) Clone() *Conf {
	enc, err := json.Marshal(conf)
	if err != nil {
		panic(err)
	}

	var dest Conf
	err = json.Unmarshal(enc, &dest)
	if err != nil {
		panic(err)
	}

	return &dest
}

// Validate checks the configuration for errors.
func (conf *Conf) Validate() error {
	// General
	if contains(conf.LogDestinations, LogDestination(logger.DestinationFile)) && conf.LogFile == "" {
		return fmt.Errorf("'logFile' must be set when the 'file' log destination is enabled")
	}

	// Capture producer
	if conf.IPCSocketPath == "" {
		return fmt.Errorf("'ipcSocketPath' must be set")
	}
	if conf.VideoQueueSize <= 0 {
		return fmt.Errorf("'videoQueueSize' must be greater than zero")
	}
	if conf.AudioQueueSize <= 0 {
		return fmt.Errorf("'audioQueueSize' must be greater than zero")
	}

	// Signaling
	if conf.HTTPListenAddr == "" {
		return fmt.Errorf("'httpListenAddr' must be set")
	}
	if conf.ReadTimeout <= 0 {
		return fmt.Errorf("'readTimeout' must be greater than zero")
	}

	// WebRTC
	if conf.MaxBitrateKbps < 1 || conf.MaxBitrateKbps > 100000 {
		return fmt.Errorf("'maxBitrateKbps' must be between 1 and 100000")
	}
	if conf.MaxSessions <= 0 {
		return fmt.Errorf("'maxSessions' must be greater than zero")
	}
	if (conf.WriteQueueSize < 16) || ((conf.WriteQueueSize & (conf.WriteQueueSize - 1)) != 0) {
		return fmt.Errorf("'writeQueueSize' must be a power of two greater than or equal to 16")
	}
	if conf.HandshakeTimeout <= 0 {
		return fmt.Errorf("'handshakeTimeout' must be greater than zero")
	}

	return nil
}

func contains(list LogDestinations, item LogDestination) bool {
	for _, i := range list {
		if i == item {
			return true
		}
	}
	return false
}

// UnmarshalJSON implements json.Unmarshaler.
func (conf *Conf) UnmarshalJSON(b []byte) error {
	conf.setDefaults()

	type alias Conf
	d := json.NewDecoder(bytes.NewReader(b))
	d.DisallowUnknownFields()
	return d.Decode((*alias)(conf))
}
