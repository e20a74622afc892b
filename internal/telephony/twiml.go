package telephony

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
)

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Connect struct {
		Stream twimlStream `xml:"Stream"`
	} `xml:"Connect"`
}

// StreamTwiML returns a TwiML document that connects the call audio to the
// media stream websocket at streamURL. Parameters are exposed to the stream
// as start.customParameters.
func StreamTwiML(streamURL string, params map[string]string) (string, error) {
	if !strings.HasPrefix(streamURL, "wss://") && !strings.HasPrefix(streamURL, "ws://") {
		return "", fmt.Errorf("stream url must be a websocket url: %q", streamURL)
	}
	var doc twimlResponse
	doc.Connect.Stream.URL = streamURL

	keys := make([]string, 0, len(params))
	for k, v := range params {
		if strings.TrimSpace(v) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		doc.Connect.Stream.Parameters = append(doc.Connect.Stream.Parameters, twimlParameter{Name: k, Value: params[k]})
	}

	out, err := xml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal twiml: %w", err)
	}
	return xml.Header + string(out), nil
}

// MediaStreamURL derives the media stream websocket URL from the public base URL.
func MediaStreamURL(publicURL string) string {
	u := strings.TrimRight(strings.TrimSpace(publicURL), "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/media-stream"
}
