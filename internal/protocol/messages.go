// Package protocol defines the agent wire protocol: newline-delimited JSON
// frames tagged by a "type" field. The control side writes exactly one
// Request per session and reads any number of LogEvent frames followed by
// at most one terminal Response.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Request is one operation for the agent. The set of variants is closed.
type Request interface {
	requestType() string
}

// CoreModOverrider is implemented by requests that accept an alternate
// core-mod index URL.
type CoreModOverrider interface {
	Request
	WithCoreModURL(url string) Request
}

type GetModStatus struct {
	OverrideCoreModURL string `json:"override_core_mod_url,omitempty"`
}

type Patch struct {
	AllowDebuggable    bool     `json:"allow_debuggable"`
	Permissions        []string `json:"permissions,omitempty"`
	SplashPath         string   `json:"vr_splash_path,omitempty"`
	ReplaceDLLs        bool     `json:"replace_dlls"`
	OverrideCoreModURL string   `json:"override_core_mod_url,omitempty"`
}

type SetModsEnabled struct {
	Statuses map[string]bool `json:"statuses"`
}

type RemoveMod struct {
	ID string `json:"id"`
}

type Import struct {
	FromPath           string `json:"from_path"`
	OverrideCoreModURL string `json:"override_core_mod_url,omitempty"`
}

type QuickFix struct {
	WipeExistingMods   bool   `json:"wipe_existing_mods"`
	OverrideCoreModURL string `json:"override_core_mod_url,omitempty"`
}

type FixPlayerData struct{}

func (GetModStatus) requestType() string   { return "GetModStatus" }
func (Patch) requestType() string          { return "Patch" }
func (SetModsEnabled) requestType() string { return "SetModsEnabled" }
func (RemoveMod) requestType() string      { return "RemoveMod" }
func (Import) requestType() string         { return "Import" }
func (QuickFix) requestType() string       { return "QuickFix" }
func (FixPlayerData) requestType() string  { return "FixPlayerData" }

func (r GetModStatus) WithCoreModURL(url string) Request {
	r.OverrideCoreModURL = url
	return r
}

func (r Patch) WithCoreModURL(url string) Request {
	r.OverrideCoreModURL = url
	return r
}

func (r Import) WithCoreModURL(url string) Request {
	r.OverrideCoreModURL = url
	return r
}

func (r QuickFix) WithCoreModURL(url string) Request {
	r.OverrideCoreModURL = url
	return r
}

// RequestType returns the wire discriminant of req.
func RequestType(req Request) string {
	return req.requestType()
}

// ResultOf returns the zero value of the Terminal the agent answers req
// with, or nil for an unknown request.
func ResultOf(req Request) Terminal {
	switch req.(type) {
	case GetModStatus, Patch:
		return ModStatus{}
	case SetModsEnabled, RemoveMod, QuickFix:
		return Mods{}
	case Import:
		return ImportResult{}
	case FixPlayerData:
		return FixedPlayerData{}
	}
	return nil
}

// Response is one frame emitted by the agent: either a LogEvent or a
// Terminal result.
type Response interface {
	responseType() string
}

// Terminal is a Response that ends a session successfully.
type Terminal interface {
	Response
	terminal()
}

// LogEvent is a progress or diagnostic line from the agent.
type LogEvent struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

type ModInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	GameVersion string `json:"game_version,omitempty"`
	IsEnabled   bool   `json:"is_enabled"`
	IsCore      bool   `json:"is_core"`
	Description string `json:"description,omitempty"`
}

type AppInfo struct {
	Version       string `json:"version"`
	LoaderVersion string `json:"loader_version,omitempty"`
	Obb           bool   `json:"obb_present"`
	ManifestXML   string `json:"manifest_xml,omitempty"`
}

type CoreModsInfo struct {
	SupportedVersions []string `json:"supported_versions"`
	InstallStatus     string   `json:"core_mod_install_status"`
	DowngradeVersions []string `json:"downgrade_versions,omitempty"`
	IsAwaitingDiff    bool     `json:"is_awaiting_diff,omitempty"`
}

// ModStatus answers GetModStatus and Patch.
type ModStatus struct {
	AppInfo                *AppInfo      `json:"app_info"`
	CoreMods               *CoreModsInfo `json:"core_mods"`
	ModloaderInstallStatus string        `json:"modloader_install_status,omitempty"`
	InstalledMods          []ModInfo     `json:"installed_mods"`
}

// Mods answers SetModsEnabled, RemoveMod and QuickFix.
type Mods struct {
	InstalledMods []ModInfo `json:"installed_mods"`
}

// ImportResult answers Import.
type ImportResult struct {
	FileName      string    `json:"used_filename"`
	Kind          string    `json:"result_type"`
	InstalledMods []ModInfo `json:"installed_mods,omitempty"`
}

// FixedPlayerData answers FixPlayerData.
type FixedPlayerData struct {
	ExistingPlayerData bool `json:"existing_pd"`
}

func (LogEvent) responseType() string        { return "LogMsg" }
func (ModStatus) responseType() string       { return "ModStatus" }
func (Mods) responseType() string            { return "Mods" }
func (ImportResult) responseType() string    { return "ImportResult" }
func (FixedPlayerData) responseType() string { return "FixedPlayerData" }

func (ModStatus) terminal()       {}
func (Mods) terminal()            {}
func (ImportResult) terminal()    {}
func (FixedPlayerData) terminal() {}

// ResponseType returns the wire discriminant of resp.
func ResponseType(resp Response) string {
	return resp.responseType()
}

// EncodeRequest renders req as one frame, including the trailing newline.
func EncodeRequest(req Request) ([]byte, error) {
	return encodeFrame(req.requestType(), req)
}

// EncodeResponse renders resp as one frame, including the trailing newline.
func EncodeResponse(resp Response) ([]byte, error) {
	return encodeFrame(resp.responseType(), resp)
}

func encodeFrame(typ string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", typ, err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", typ, err)
	}
	tag, err := json.Marshal(typ)
	if err != nil {
		return nil, err
	}
	fields["type"] = tag
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", typ, err)
	}
	return append(data, '\n'), nil
}

type envelope struct {
	Type string `json:"type"`
}

// DecodeResponse parses a single frame (without its newline). Unknown
// discriminants and malformed JSON are protocol errors carrying the raw
// frame text.
func DecodeResponse(frame []byte) (Response, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, ProtocolError(err, "agent produced invalid frame %s", frame)
	}

	var resp Response
	var err error
	switch env.Type {
	case "LogMsg":
		resp, err = decodeAs[LogEvent](frame)
	case "ModStatus":
		resp, err = decodeAs[ModStatus](frame)
	case "Mods":
		resp, err = decodeAs[Mods](frame)
	case "ImportResult":
		resp, err = decodeAs[ImportResult](frame)
	case "FixedPlayerData":
		resp, err = decodeAs[FixedPlayerData](frame)
	default:
		return nil, ProtocolError(nil, "agent produced frame with unknown type %q: %s", env.Type, frame)
	}
	if err != nil {
		return nil, ProtocolError(err, "agent produced invalid %s frame %s", env.Type, frame)
	}
	return resp, nil
}

// DecodeRequest parses a single request frame (without its newline).
func DecodeRequest(frame []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, ProtocolError(err, "invalid request frame %s", frame)
	}

	var req Request
	var err error
	switch env.Type {
	case "GetModStatus":
		req, err = decodeAs[GetModStatus](frame)
	case "Patch":
		req, err = decodeAs[Patch](frame)
	case "SetModsEnabled":
		req, err = decodeAs[SetModsEnabled](frame)
	case "RemoveMod":
		req, err = decodeAs[RemoveMod](frame)
	case "Import":
		req, err = decodeAs[Import](frame)
	case "QuickFix":
		req, err = decodeAs[QuickFix](frame)
	case "FixPlayerData":
		req, err = decodeAs[FixPlayerData](frame)
	default:
		return nil, ProtocolError(nil, "unknown request type %q", env.Type)
	}
	if err != nil {
		return nil, ProtocolError(err, "invalid %s request %s", env.Type, frame)
	}
	return req, nil
}

func decodeAs[T any](frame []byte) (T, error) {
	var v T
	err := json.Unmarshal(frame, &v)
	return v, err
}
