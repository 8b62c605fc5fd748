package telephonypeer

import (
	"encoding/xml"
	"fmt"
	"net/http"
)

// twiMLResponse is the TwiML document used to answer a platform's
// incoming-call webhook by instructing it to open a bidirectional
// media-stream WebSocket back to wsURL.
type twiMLResponse struct {
	XMLName xml.Name    `xml:"Response"`
	Start   *twiMLStart `xml:"Start"`
}

type twiMLStart struct {
	XMLName xml.Name      `xml:"Start"`
	Streams []twiMLStream `xml:"Stream"`
}

type twiMLStream struct {
	XMLName xml.Name `xml:"Stream"`
	URL     string   `xml:"url,attr"`
	Track   string   `xml:"track,attr"`
}

// WriteIncomingCallTwiML answers an incoming-call webhook with TwiML that
// opens a bidirectional media stream to wsURL. Out of scope per the
// specification's §1 ("a thin adapter translates ... wire schemas at the
// edge") beyond this one response - everything downstream of the
// WebSocket connect is the normalized vocabulary the Peer speaks.
func WriteIncomingCallTwiML(w http.ResponseWriter, wsURL string) error {
	doc := twiMLResponse{
		Start: &twiMLStart{Streams: []twiMLStream{{URL: wsURL, Track: "both"}}},
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("telephonypeer: marshal TwiML: %w", err)
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(out)
	return err
}
