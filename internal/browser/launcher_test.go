package browser

import (
	"testing"

	"github.com/chromedp/cdproto/runtime"
)

func TestPageCollectsConsoleErrorsWarningsAndExceptions(t *testing.T) {
	page := &Page{}

	page.onEvent(&runtime.EventConsoleAPICalled{
		Type: runtime.APITypeError,
		Args: []*runtime.RemoteObject{{Type: runtime.TypeString, Value: []byte(`"failed to load"`)}},
	})
	page.onEvent(&runtime.EventConsoleAPICalled{
		Type: runtime.APITypeWarning,
		Args: []*runtime.RemoteObject{{Type: runtime.TypeObject, Description: "Deprecated API"}},
	})
	page.onEvent(&runtime.EventConsoleAPICalled{
		Type: runtime.APITypeLog,
		Args: []*runtime.RemoteObject{{Type: runtime.TypeString, Value: []byte(`"ignored"`)}},
	})
	page.onEvent(&runtime.EventExceptionThrown{
		ExceptionDetails: &runtime.ExceptionDetails{
			Text:      "Uncaught",
			Exception: &runtime.RemoteObject{Description: "TypeError: x is undefined"},
		},
	})

	errs, warnings := page.Console()
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %v", errs)
	}
	if errs[0] != "failed to load" {
		t.Fatalf("expected console text, got %q", errs[0])
	}
	if errs[1] != "Uncaught: TypeError: x is undefined" {
		t.Fatalf("expected exception description, got %q", errs[1])
	}
	if len(warnings) != 1 || warnings[0] != "Deprecated API" {
		t.Fatalf("expected one warning, got %v", warnings)
	}
}

func TestConsoleTextJoinsArguments(t *testing.T) {
	got := consoleText([]*runtime.RemoteObject{
		{Type: runtime.TypeString, Value: []byte(`"status"`)},
		{Type: runtime.TypeNumber, Value: []byte(`500`)},
		nil,
		{Type: runtime.TypeUndefined},
	})
	if got != "status 500 undefined" {
		t.Fatalf("expected joined console text, got %q", got)
	}
}
