package config

import "testing"

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
	  {
	    "urls": ["stun:stun.example.com:3478"]
	  },
	  {
	    "urls": ["turn:turn.example.com:3478?transport=udp"],
	    "username": "user",
	    "credential": "pass"
	  }
	]`

	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected stun urls: %#v", got)
	}
	if got := servers[1].Username; got != "user" {
		t.Fatalf("unexpected username: %q", got)
	}
	cred, ok := servers[1].Credential.(string)
	if !ok || cred != "pass" {
		t.Fatalf("unexpected credential: %#v", servers[1].Credential)
	}
}

func TestParseICEServersJSON_SingleStringURL(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersJSON(`[{"urls": " stun:stun.example.com:3478 "}]`)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 1 || len(servers[0].URLs) != 1 || servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected servers: %#v", servers)
	}
}

func TestParseICEServersJSON_Rejects(t *testing.T) {
	t.Parallel()

	for name, raw := range map[string]string{
		"not json":        `{`,
		"missing urls":    `[{"username":"u"}]`,
		"bad scheme":      `[{"urls":["http://example.com"]}]`,
		"turn no creds":   `[{"urls":["turn:turn.example.com:3478"]}]`,
		"turn no secret":  `[{"urls":["turns:turn.example.com:5349"],"username":"u"}]`,
		"empty url entry": `[{"urls":["  "]}]`,
	} {
		if _, err := ParseICEServersJSON(raw); err == nil {
			t.Fatalf("%s: expected error for %s", name, raw)
		}
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersFromConvenienceEnv(
		"stun:a.example.com:3478, stun:b.example.com:3478",
		"turn:turn.example.com:3478?transport=udp",
		"user",
		"pass",
	)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if len(servers[0].URLs) != 2 || servers[0].Username != "" || servers[0].Credential != nil {
		t.Fatalf("unexpected stun server: %#v", servers[0])
	}
	if servers[1].Username != "user" || servers[1].Credential.(string) != "pass" {
		t.Fatalf("unexpected turn server: %#v", servers[1])
	}
}

func TestParseICEServersFromConvenienceEnv_TURNNeedsCreds(t *testing.T) {
	t.Parallel()

	if _, err := ParseICEServersFromConvenienceEnv("", "turn:turn.example.com:3478", "user", ""); err == nil {
		t.Fatal("expected error")
	}
	servers, err := ParseICEServersFromConvenienceEnv("", "", "", "")
	if err != nil || len(servers) != 0 {
		t.Fatalf("empty input: servers=%#v err=%v", servers, err)
	}
}

func TestParseICEServers_JSONWins(t *testing.T) {
	t.Parallel()

	servers, err := parseICEServers(iceSources{
		json:     `[{"urls":"stun:json.example.com"}]`,
		stunURLs: "stun:env.example.com",
	})
	if err != nil {
		t.Fatalf("parseICEServers: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "stun:json.example.com" {
		t.Fatalf("unexpected servers: %#v", servers)
	}
}
