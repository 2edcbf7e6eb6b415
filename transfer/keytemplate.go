package transfer

import (
	"bytes"
	"fmt"
	"strconv"
	"text/template"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	// DefaultAudioKeyTemplate places the audio of every page under its recording.
	DefaultAudioKeyTemplate = "audio/{{ .Mid }}/{{ .Year }}/{{ .Month }}/{{ .Day }}/{{ .Bvid }}/{{ .Page }}.mp4"
	// DefaultTranscriptKeyTemplate places the transcript of a whole recording.
	DefaultTranscriptKeyTemplate = "transcripts/{{ .Mid }}/{{ .Year }}/{{ .Month }}/{{ .Day }}/{{ .Bvid }}.json"
)

// publishLocation is the time zone recording dates are bucketed in.
var publishLocation = loadPublishLocation()

func loadPublishLocation() *time.Location {
	location, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		// China Standard Time has no daylight saving
		return time.FixedZone("Asia/Shanghai", 8*60*60)
	}
	return location
}

// KeyTemplate evaluates object key templates for recordings.
type KeyTemplate struct {
	envRepo  env.Repository
	logger   log.Logger
	location *time.Location
}

type keyInventory struct {
	Mid   string
	Bvid  string
	Title string
	Year  string
	Month string
	Day   string
	Page  int
}

// NewKeyTemplate ...
func NewKeyTemplate(envRepo env.Repository, logger log.Logger) KeyTemplate {
	return KeyTemplate{
		envRepo:  envRepo,
		logger:   logger,
		location: publishLocation,
	}
}

// Evaluate returns the object key for page of recording. Page is ignored by templates without {{ .Page }}.
func (m KeyTemplate) Evaluate(key string, recording Recording, page int) (string, error) {
	funcMap := template.FuncMap{
		"getenv": m.getEnvVar,
	}

	tmpl, err := template.New("").Funcs(funcMap).Parse(key)
	if err != nil {
		return "", fmt.Errorf("invalid template: %w", err)
	}

	published := time.Unix(recording.Pubdate, 0).In(m.location)
	inventory := keyInventory{
		Mid:   strconv.FormatInt(recording.Mid, 10),
		Bvid:  recording.Bvid,
		Title: recording.Title,
		Year:  strconv.Itoa(published.Year()),
		Month: fmt.Sprintf("%02d", int(published.Month())),
		Day:   fmt.Sprintf("%02d", published.Day()),
		Page:  page,
	}
	m.validateInventory(inventory, recording)

	resultBuffer := bytes.Buffer{}
	if err := tmpl.Execute(&resultBuffer, inventory); err != nil {
		return "", err
	}
	return resultBuffer.String(), nil
}

func (m KeyTemplate) getEnvVar(key string) string {
	return m.envRepo.Get(key)
}

func (m KeyTemplate) validateInventory(inventory keyInventory, recording Recording) {
	m.warnIfEmpty("Bvid", inventory.Bvid)
	if recording.Mid == 0 {
		m.logger.Warnf("Template variable .Mid is not defined")
	}
	if recording.Pubdate == 0 {
		m.logger.Warnf("Template variable .Pubdate is not defined")
	}
}

func (m KeyTemplate) warnIfEmpty(name, value string) {
	if value == "" {
		m.logger.Warnf("Template variable .%s is not defined", name)
	}
}
