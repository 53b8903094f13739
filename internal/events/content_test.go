package events

import "testing"

func TestExtractText(t *testing.T) {
	tests := []struct {
		name        string
		messageType string
		content     string
		want        string
	}{
		{"text", "text", `{"text":"hello @_user_1"}`, "hello @_user_1"},
		{"empty content", "text", "", ""},
		{"malformed", "text", `{not json`, ""},
		{"image", "image", `{"image_key":"img_1"}`, "[image]"},
		{"file", "file", `{"file_key":"f","file_name":"report.pdf"}`, "[file] report.pdf"},
		{"audio", "audio", `{"file_key":"a"}`, "[audio]"},
		{"unknown", "share_chat", `{"chat_id":"oc"}`, ""},
		{
			"post",
			"post",
			`{"title":"Weekly","content":[[{"tag":"text","text":"ship "},{"tag":"at","user_name":"ana"}],[{"tag":"img"}]]}`,
			"Weekly\nship @ana\n[image]",
		},
		{
			"localized post",
			"post",
			`{"en_us":{"title":"Hi","content":[[{"tag":"a","text":"link","href":"https://x"}]]}}`,
			"Hi\nlink",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractText(tt.messageType, tt.content); got != tt.want {
				t.Fatalf("ExtractText(%q) = %q, want %q", tt.messageType, got, tt.want)
			}
		})
	}
}
