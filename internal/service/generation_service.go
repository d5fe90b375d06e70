package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/digkill/adcraft/internal/credits"
	"github.com/digkill/adcraft/internal/gateway"
	"github.com/digkill/adcraft/internal/models"
	"github.com/digkill/adcraft/internal/orchestrator"
	"github.com/digkill/adcraft/internal/pricing"
)

var (
	ErrPromptRequired   = errors.New("prompt cannot be empty")
	ErrUnsupportedKind  = errors.New("unsupported asset type")
	ErrUnsupportedText  = errors.New("unsupported text action")
	ErrTooManyTasks     = errors.New("too many tasks")
	ErrInvalidStrategy  = errors.New("strategy does not describe any assets")
	ErrSchemaIsRequired = errors.New("structured output requires a schema")
)

const (
	maxCampaignAssets = 12
	maxAgentTasks     = 20
)

// Text actions that may be requested directly.
var textActions = map[string]bool{
	"text":        true,
	"social_post": true,
	"email":       true,
	"ad_copy":     true,
}

// Generator is the Generation Gateway as seen by the service.
type Generator interface {
	GenerateText(ctx context.Context, req gateway.TextRequest) (*models.Artifact, error)
	GenerateStructured(ctx context.Context, req gateway.TextRequest) (*models.Artifact, error)
	GenerateImage(ctx context.Context, req gateway.ImageRequest) (*models.Artifact, error)
	GenerateVideo(ctx context.Context, req gateway.VideoRequest) (*models.Artifact, error)
	StreamText(ctx context.Context, req gateway.TextRequest) (gateway.Stream, error)
}

type GenerationService struct {
	gen     Generator
	catalog *pricing.Catalog
	orch    *orchestrator.Orchestrator
	log     *slog.Logger
}

func NewGenerationService(gen Generator, catalog *pricing.Catalog, orch *orchestrator.Orchestrator, log *slog.Logger) *GenerationService {
	return &GenerationService{
		gen:     gen,
		catalog: catalog,
		orch:    orch,
		log:     log,
	}
}

type TextInput struct {
	Action     string          `json:"action"`
	Prompt     string          `json:"prompt"`
	System     string          `json:"system"`
	BrandVoice string          `json:"brand_voice"`
	Schema     json.RawMessage `json:"schema"`
}

type ImageInput struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio"`
	Style       string `json:"style"`
}

type VideoInput struct {
	Prompt          string `json:"prompt"`
	AspectRatio     string `json:"aspect_ratio"`
	DurationSeconds int    `json:"duration_seconds"`
	ImageURL        string `json:"image_url"`
}

func (in TextInput) request() gateway.TextRequest {
	return gateway.TextRequest{Prompt: in.Prompt, System: in.System, BrandVoice: in.BrandVoice, Schema: in.Schema}
}

func (s *GenerationService) textAction(in TextInput) (orchestrator.Action, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return orchestrator.Action{}, ErrPromptRequired
	}
	name := in.Action
	if name == "" {
		name = "text"
	}
	if !textActions[name] {
		return orchestrator.Action{}, fmt.Errorf("%w: %s", ErrUnsupportedText, name)
	}
	return s.action(name, models.AssetText, in.Prompt)
}

func (s *GenerationService) action(name string, kind models.AssetType, prompt string) (orchestrator.Action, error) {
	cost, err := s.catalog.Cost(name)
	if err != nil {
		return orchestrator.Action{}, err
	}
	return orchestrator.Action{Name: name, Kind: kind, Cost: cost, Prompt: prompt}, nil
}

// Text runs a single-shot text generation priced by its action.
func (s *GenerationService) Text(ctx context.Context, sess *credits.Session, in TextInput) (*orchestrator.Result, error) {
	a, err := s.textAction(in)
	if err != nil {
		return nil, err
	}
	return s.orch.RunSingleShot(ctx, sess, a, func(ctx context.Context) (*models.Artifact, error) {
		return s.gen.GenerateText(ctx, in.request())
	})
}

func (s *GenerationService) Structured(ctx context.Context, sess *credits.Session, in TextInput) (*orchestrator.Result, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, ErrPromptRequired
	}
	if len(in.Schema) == 0 {
		return nil, ErrSchemaIsRequired
	}
	a, err := s.action("structured", models.AssetStructured, in.Prompt)
	if err != nil {
		return nil, err
	}
	return s.orch.RunSingleShot(ctx, sess, a, func(ctx context.Context) (*models.Artifact, error) {
		return s.gen.GenerateStructured(ctx, in.request())
	})
}

func (s *GenerationService) Image(ctx context.Context, sess *credits.Session, in ImageInput) (*orchestrator.Result, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, ErrPromptRequired
	}
	a, err := s.action("image", models.AssetImage, in.Prompt)
	if err != nil {
		return nil, err
	}
	return s.orch.RunSingleShot(ctx, sess, a, func(ctx context.Context) (*models.Artifact, error) {
		return s.gen.GenerateImage(ctx, gateway.ImageRequest{Prompt: in.Prompt, AspectRatio: in.AspectRatio, Style: in.Style})
	})
}

// Video starts the long-running operation and polls it inside the single
// generation step; only the finished video is charged.
func (s *GenerationService) Video(ctx context.Context, sess *credits.Session, in VideoInput) (*orchestrator.Result, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, ErrPromptRequired
	}
	a, err := s.action("video", models.AssetVideo, in.Prompt)
	if err != nil {
		return nil, err
	}
	return s.orch.RunSingleShot(ctx, sess, a, func(ctx context.Context) (*models.Artifact, error) {
		return s.gen.GenerateVideo(ctx, gateway.VideoRequest{
			Prompt:          in.Prompt,
			AspectRatio:     in.AspectRatio,
			DurationSeconds: in.DurationSeconds,
			ImageURL:        in.ImageURL,
		})
	})
}

// StreamText streams text to emit, charging on the first non-empty chunk.
func (s *GenerationService) StreamText(ctx context.Context, sess *credits.Session, in TextInput, emit orchestrator.EmitFunc) (*orchestrator.Result, error) {
	a, err := s.textAction(in)
	if err != nil {
		return nil, err
	}
	return s.orch.RunStream(ctx, sess, a, func(ctx context.Context) (gateway.Stream, error) {
		return s.gen.StreamText(ctx, in.request())
	}, emit)
}

type CampaignInput struct {
	Brief      string `json:"brief"`
	BrandVoice string `json:"brand_voice"`
}

// strategySchema is the shape the strategy step must return.
const strategySchema = `{
  "type": "object",
  "required": ["phases"],
  "properties": {
    "phases": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "assets"],
        "properties": {
          "name": {"type": "string"},
          "assets": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["type", "prompt"],
              "properties": {
                "type": {"type": "string", "enum": ["text", "image", "video"]},
                "prompt": {"type": "string"}
              }
            }
          }
        }
      }
    }
  }
}`

type campaignPlan struct {
	Phases []struct {
		Name   string `json:"name"`
		Assets []struct {
			Type   models.AssetType `json:"type"`
			Prompt string           `json:"prompt"`
		} `json:"assets"`
	} `json:"phases"`
}

// Campaign pays for a strategy, then generates the assets it lists one by
// one, halting when credits run out.
func (s *GenerationService) Campaign(ctx context.Context, sess *credits.Session, in CampaignInput, onUpdate func(orchestrator.Snapshot)) (*orchestrator.CampaignResult, error) {
	if strings.TrimSpace(in.Brief) == "" {
		return nil, ErrPromptRequired
	}
	strategy, err := s.action("strategy", models.AssetStrategy, in.Brief)
	if err != nil {
		return nil, err
	}
	req := gateway.TextRequest{
		Prompt:     in.Brief,
		System:     "Plan a phased marketing campaign and list the assets each phase needs.",
		BrandVoice: in.BrandVoice,
		Schema:     json.RawMessage(strategySchema),
	}

	return s.orch.RunCampaign(ctx, sess, orchestrator.Campaign{
		ID:       uuid.NewString(),
		Strategy: strategy,
		Generate: func(ctx context.Context) (*models.Artifact, error) {
			return s.gen.GenerateStructured(ctx, req)
		},
		Plan: func(art *models.Artifact) ([]orchestrator.Item, error) {
			return s.planCampaign(art, in.BrandVoice)
		},
		OnUpdate: onUpdate,
	})
}

func (s *GenerationService) planCampaign(art *models.Artifact, brandVoice string) ([]orchestrator.Item, error) {
	var plan campaignPlan
	if err := json.Unmarshal([]byte(art.Text), &plan); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStrategy, err)
	}

	var items []orchestrator.Item
	for _, phase := range plan.Phases {
		for _, asset := range phase.Assets {
			if len(items) == maxCampaignAssets {
				s.log.Warn("campaign plan truncated", "limit", maxCampaignAssets)
				return items, nil
			}
			item, err := s.item(fmt.Sprintf("asset-%d", len(items)+1), "campaign_asset", asset.Type, asset.Prompt, brandVoice)
			if err != nil {
				return nil, fmt.Errorf("phase %q: %w", phase.Name, err)
			}
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return nil, ErrInvalidStrategy
	}
	return items, nil
}

type AgentTask struct {
	ID     string           `json:"id"`
	Type   models.AssetType `json:"type"`
	Prompt string           `json:"prompt"`
}

type AgentInput struct {
	BrandVoice string      `json:"brand_voice"`
	Tasks      []AgentTask `json:"tasks"`
}

// RunAgent executes an agent's task list as a sequential job.
func (s *GenerationService) RunAgent(ctx context.Context, sess *credits.Session, in AgentInput, onUpdate func(orchestrator.Snapshot)) (*orchestrator.JobResult, error) {
	if len(in.Tasks) == 0 {
		return nil, fmt.Errorf("%w: no tasks", orchestrator.ErrInvalidAction)
	}
	if len(in.Tasks) > maxAgentTasks {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyTasks, len(in.Tasks), maxAgentTasks)
	}

	items := make([]orchestrator.Item, 0, len(in.Tasks))
	for i, task := range in.Tasks {
		id := task.ID
		if id == "" {
			id = fmt.Sprintf("task-%d", i+1)
		}
		item, err := s.item(id, "agent_task", task.Type, task.Prompt, in.BrandVoice)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", id, err)
		}
		items = append(items, item)
	}
	return s.orch.RunSequentialJob(ctx, sess, orchestrator.Job{ID: uuid.NewString(), Items: items, OnUpdate: onUpdate})
}

// item builds one priced job step.
func (s *GenerationService) item(id, action string, kind models.AssetType, prompt, brandVoice string) (orchestrator.Item, error) {
	if strings.TrimSpace(prompt) == "" {
		return orchestrator.Item{}, ErrPromptRequired
	}
	if kind == "" {
		kind = models.AssetText
	}

	var generate orchestrator.GenerateFunc
	switch kind {
	case models.AssetText:
		generate = func(ctx context.Context) (*models.Artifact, error) {
			return s.gen.GenerateText(ctx, gateway.TextRequest{Prompt: prompt, BrandVoice: brandVoice})
		}
	case models.AssetImage:
		generate = func(ctx context.Context) (*models.Artifact, error) {
			return s.gen.GenerateImage(ctx, gateway.ImageRequest{Prompt: prompt})
		}
	case models.AssetVideo:
		generate = func(ctx context.Context) (*models.Artifact, error) {
			return s.gen.GenerateVideo(ctx, gateway.VideoRequest{Prompt: prompt})
		}
	default:
		return orchestrator.Item{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	cost, err := s.itemCost(action, kind)
	if err != nil {
		return orchestrator.Item{}, err
	}

	return orchestrator.Item{
		ID:       id,
		Action:   action,
		Kind:     kind,
		Cost:     cost,
		Prompt:   prompt,
		Generate: generate,
	}, nil
}

// itemCost prefers the action price for text steps and falls back to the
// asset price, which is always used for media.
func (s *GenerationService) itemCost(action string, kind models.AssetType) (int, error) {
	if kind == models.AssetText {
		if cost, err := s.catalog.Cost(action); err == nil {
			return cost, nil
		}
	}
	return s.catalog.AssetCost(kind)
}
