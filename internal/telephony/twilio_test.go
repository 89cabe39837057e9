package telephony

import (
	"strings"
	"testing"
)

func TestConferenceTwiMLNamesTheConference(t *testing.T) {
	out, err := conferenceTwiML("park-t1-3")
	if err != nil {
		t.Fatalf("render twiml: %v", err)
	}
	if !strings.Contains(out, ">park-t1-3</Conference>") {
		t.Fatalf("conference name missing from twiml: %s", out)
	}
	if !strings.Contains(out, `endConferenceOnExit="false"`) {
		t.Fatalf("leg would tear down the conference on exit: %s", out)
	}
}
