package voice

import "encoding/xml"

// TwiML is tiny; the verbs below cover every response this service emits.

type verb struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
	Digits  string `xml:"digits,attr,omitempty"`
	Length  string `xml:"length,attr,omitempty"`
}

type response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []verb
}

func render(verbs ...verb) string {
	doc := response{Verbs: verbs}
	out, err := xml.Marshal(doc)
	if err != nil {
		// The document is built from static verbs; marshalling cannot fail
		// at runtime, but an empty Response is a safe fallback.
		return "<Response></Response>"
	}
	return xml.Header + string(out)
}

func say(text string) verb  { return verb{XMLName: xml.Name{Local: "Say"}, Value: text} }
func play(url string) verb  { return verb{XMLName: xml.Name{Local: "Play"}, Value: url} }
func dial(number string) verb { return verb{XMLName: xml.Name{Local: "Dial"}, Value: number} }
func hangup() verb          { return verb{XMLName: xml.Name{Local: "Hangup"}} }
func pause(length string) verb {
	return verb{XMLName: xml.Name{Local: "Pause"}, Length: length}
}
func playDigits(digits string) verb {
	return verb{XMLName: xml.Name{Local: "Play"}, Digits: digits}
}

// UnlockTwiML opens the door: the w's wait before sending the DTMF 6 most
// intercom panels expect.
func UnlockTwiML() string {
	return render(pause(""), say("Unlocking..."), playDigits("www6ww"), pause("2"), hangup())
}

// RejectTwiML tells the caller the request was denied and hangs up.
func RejectTwiML() string {
	return render(say("Unfortunately your request was not approved."), hangup())
}

// FallbackTwiML forwards the call to the fallback number.
func FallbackTwiML(number string) string {
	return render(dial(number))
}

// WaitRoomTwiML plays hold music while the approval workflow runs.
func WaitRoomTwiML(musicURL string) string {
	return render(play(musicURL))
}
