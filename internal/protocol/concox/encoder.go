package concox

import (
	"encoding/binary"
	"fmt"

	"github.com/fleetgrid/gps-server/internal/model"
	"github.com/fleetgrid/gps-server/internal/protocol"
)

// Encoder builds server-initiated 0x80 command frames.
type Encoder struct {
	serial uint16
}

var _ protocol.Encoder = (*Encoder)(nil)

func init() {
	protocol.RegisterEncoder(model.ProtocolConcox, func() protocol.Encoder { return NewEncoder() })
}

func NewEncoder() *Encoder { return &Encoder{} }

// command strings understood by GT06-family firmware
var commandContent = map[string]string{
	"cut_oil":      "DYD,000000#",
	"restore_oil":  "HFYD,000000#",
	"restart_gps":  "RESET#",
	"get_status":   "STATUS#",
	"get_version":  "VERSION#",
	"get_position": "WHERE#",
}

// EncodeCommand wraps the firmware command string in a 0x80 frame:
// cmdlen(1) | server flag(4) | ascii content.
func (e *Encoder) EncodeCommand(name string, params map[string]string) ([]byte, error) {
	content, ok := commandContent[name]
	if !ok {
		return nil, fmt.Errorf("concox: unsupported command %q", name)
	}
	if pin := params["pin"]; pin != "" {
		// DYD/HFYD take the device PIN in place of the default
		content = replacePin(content, pin)
	}
	payload := make([]byte, 0, 5+len(content))
	payload = append(payload, byte(4+len(content)))
	payload = binary.BigEndian.AppendUint32(payload, 0) // server flag echoed by the device
	payload = append(payload, content...)
	e.serial++
	f := Frame{Proto: msgCommand, Payload: payload, Serial: e.serial}
	return f.Marshal(), nil
}

func replacePin(content, pin string) string {
	const def = "000000"
	for i := 0; i+len(def) <= len(content); i++ {
		if content[i:i+len(def)] == def {
			return content[:i] + pin + content[i+len(def):]
		}
	}
	return content
}
