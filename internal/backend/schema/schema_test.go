package schema

import (
	"encoding/json"
	"testing"
)

func TestFieldTypeSerialization(t *testing.T) {
	cases := []struct {
		name string
		ft   FieldType
		want string
	}{
		{"text", Text(), `{"type":"text"}`},
		{"password", Password(), `{"type":"password"}`},
		{"boolean", Boolean(), `{"type":"boolean"}`},
		{"port", Port(), `{"type":"port"}`},
		{"keyValueList", KeyValueList(), `{"type":"keyValueList"}`},
		{"filePath", FilePath(PathDirectory), `{"type":"filePath","kind":"directory"}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := json.Marshal(c.ft)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(got) != c.want {
				t.Fatalf("got %s want %s", got, c.want)
			}
		})
	}
}

func TestSchemaRoundTrip(t *testing.T) {
	s := Schema{Groups: []Group{
		{Key: "connection", Label: "Connection", Fields: []Field{
			{Key: "host", Label: "Hostname", Type: Text(), Required: true},
			{Key: "port", Label: "Port", Type: Port(), Required: true, Default: RawJSON(22)},
		}},
		{Key: "authentication", Label: "Authentication", Fields: []Field{
			{
				Key:   "authMethod",
				Label: "Auth Method",
				Type:  Select(SelectOption{Value: "key", Label: "SSH Key"}, SelectOption{Value: "password", Label: "Password"}),
			},
			{
				Key:         "keyPath",
				Label:       "Key Path",
				Type:        FilePath(PathFile),
				VisibleWhen: &Condition{Field: "authMethod", Equals: RawJSON("key")},
			},
		}},
	}}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Schema
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.Groups) != 2 || len(decoded.Groups[0].Fields) != 2 {
		t.Fatalf("unexpected shape: %+v", decoded)
	}
	if decoded.Groups[1].Fields[1].VisibleWhen.Field != "authMethod" {
		t.Fatalf("visibleWhen not preserved")
	}
}

func TestObjectListNesting(t *testing.T) {
	ft := ObjectList(
		Field{Key: "hostPath", Label: "Host Path", Type: FilePath(PathDirectory)},
		Field{Key: "containerPath", Label: "Container Path", Type: Text()},
		Field{Key: "readOnly", Label: "Read Only", Type: Boolean()},
	)
	data, _ := json.Marshal(ft)
	var decoded FieldType
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.Fields) != 3 || decoded.Fields[0].Key != "hostPath" {
		t.Fatalf("got %+v", decoded)
	}
}
