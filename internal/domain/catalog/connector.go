package catalog

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

// defaultConnectorTimeout bounds a connector dispatch when the catalog
// does not set one.
const defaultConnectorTimeout = 10 * time.Second

// Connector describes the delivery endpoint for one messaging channel.
type Connector struct {
	Channel   string   `json:"channel"`
	Endpoint  string   `json:"endpoint"`
	TimeoutMS int      `json:"timeout_ms,omitempty"`
	Actions   []string `json:"actions,omitempty"`
}

// Timeout returns the dispatch deadline for this connector.
func (c Connector) Timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return defaultConnectorTimeout
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// SupportsAction reports whether the connector accepts the channel action.
// An empty action list accepts everything.
func (c Connector) SupportsAction(action string) bool {
	if len(c.Actions) == 0 {
		return true
	}
	return containsString(c.Actions, strings.ToLower(action))
}

// ConnectorCatalog maps lowercased channel names to their connectors.
type ConnectorCatalog struct {
	Connectors map[string]Connector
}

// Lookup returns the connector for channel.
func (c ConnectorCatalog) Lookup(channel string) (Connector, bool) {
	conn, ok := c.Connectors[strings.ToLower(channel)]
	return conn, ok
}

type connectorDoc struct {
	Connectors []Connector `json:"connectors"`
}

// LoadConnectors verifies and normalizes a connector catalog document.
func LoadConnectors(raw []byte, trust Trust) (*Signed[ConnectorCatalog], error) {
	desc, err := verifyEnvelope(NameConnector, raw, trust)
	if err != nil {
		return nil, err
	}
	var doc connectorDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, configErrf(NameConnector, "decode connectors: %v", err)
	}

	cat := ConnectorCatalog{Connectors: make(map[string]Connector, len(doc.Connectors))}
	for i, conn := range doc.Connectors {
		conn.Channel = strings.ToLower(strings.TrimSpace(conn.Channel))
		if conn.Channel == "" {
			return nil, configErrf(NameConnector, "connector %d: empty channel", i)
		}
		u, err := url.Parse(conn.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, configErrf(NameConnector, "connector %s: endpoint %q is not an absolute http(s) URL", conn.Channel, conn.Endpoint)
		}
		if conn.TimeoutMS < 0 {
			return nil, configErrf(NameConnector, "connector %s: negative timeout_ms", conn.Channel)
		}
		conn.Actions = normalizeSet(conn.Actions)
		if _, dup := cat.Connectors[conn.Channel]; dup {
			return nil, configErrf(NameConnector, "connector %s: duplicate channel", conn.Channel)
		}
		cat.Connectors[conn.Channel] = conn
	}
	return &Signed[ConnectorCatalog]{Rules: cat, Descriptor: desc}, nil
}

// LoadConnectorsFile loads a connector catalog from disk.
func LoadConnectorsFile(path string, trust Trust) (*Signed[ConnectorCatalog], error) {
	raw, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadConnectors(raw, trust)
}
