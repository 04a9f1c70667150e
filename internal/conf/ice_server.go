package conf

import (
	"fmt"
	"strings"
)

// ICEServer is an ICE server.
type ICEServer struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ICEServers is the webrtcICEServers parameter.
type ICEServers []ICEServer

func (s *ICEServers) unmarshalEnv(v string) error {
	*s = nil
	if v == "" {
		return nil
	}
	for _, u := range strings.Split(v, ",") {
		if u == "" {
			return fmt.Errorf("invalid ICE server: '%s'", v)
		}
		*s = append(*s, ICEServer{URL: u})
	}
	return nil
}
