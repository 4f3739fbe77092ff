package main

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/responses"

	"github.com/theimaginaryfoundation/survey-linker/linkage"
	"github.com/theimaginaryfoundation/survey-linker/linkage/fileutils"
	"github.com/theimaginaryfoundation/survey-linker/linkage/provider"
)

const maxFallbackTextChars = 2000

type openAIIdentifierFallback struct {
	client    provider.ResponseCreator
	model     string
	maxTokens int
	policy    provider.RetryPolicy
}

type identifierRequest struct {
	Message string `json:"message"`
}

type identifierAnswer struct {
	Found       bool `json:"found" jsonschema:"required,description=Whether the message contains a participant identifier"`
	Day         int  `json:"day" jsonschema:"required"`
	Month       int  `json:"month" jsonschema:"required"`
	Year        int  `json:"year" jsonschema:"required"`
	Hour        int  `json:"hour" jsonschema:"required"`
	Minute      int  `json:"minute" jsonschema:"required"`
	Participant int  `json:"participant" jsonschema:"required"`
}

var identifierSchema = provider.GenerateSchema[identifierAnswer]()

func (d openAIIdentifierFallback) ExtractIdentifier(ctx context.Context, text string) (linkage.Identifier, bool, error) {
	if d.client == nil {
		return linkage.Identifier{}, false, errors.New("openAIIdentifierFallback: client is nil")
	}
	if d.model == "" {
		return linkage.Identifier{}, false, errors.New("openAIIdentifierFallback: model is empty")
	}

	payload, err := json.Marshal(identifierRequest{Message: fileutils.Truncate(text, maxFallbackTextChars)})
	if err != nil {
		return linkage.Identifier{}, false, err
	}

	format := responses.ResponseFormatTextConfigUnionParam{
		OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
			Name:        "ParticipantIdentifier",
			Schema:      identifierSchema,
			Strict:      openai.Bool(true),
			Description: openai.String("Participant identifier components"),
			Type:        "json_schema",
		},
	}
	params := responses.ResponseNewParams{
		Model:           d.model,
		MaxOutputTokens: openai.Int(int64(d.maxTokens)),
		Instructions:    openai.String(identifierPrompt),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(string(payload), responses.EasyInputMessageRoleUser),
			},
		},
		Text: responses.ResponseTextConfigParam{
			Format: format,
		},
	}

	resp, err := provider.CallWithRetry(ctx, d.client, params, d.policy)
	if err != nil {
		return linkage.Identifier{}, false, err
	}

	var out identifierAnswer
	if err := fileutils.DecodeModelJSON(resp.OutputText(), &out); err != nil {
		// Unusable output counts as "no identifier" so the run keeps going.
		return linkage.Identifier{}, false, nil
	}
	if !out.Found {
		return linkage.Identifier{}, false, nil
	}
	id, err := linkage.NewIdentifier(out.Day, out.Month, out.Year, out.Hour, out.Minute, out.Participant)
	if err != nil {
		return linkage.Identifier{}, false, nil
	}
	return id, true, nil
}
