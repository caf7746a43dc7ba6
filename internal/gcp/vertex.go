package gcp

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

// --- Extractor Model Prompts ---
const ExtractorSystemPrompt = "You are a product data extraction engine for supplier price lists. You receive a textual table serialized from a spreadsheet and return structured product records. You must output your response as a valid JSON array and nothing else."

const ExtractorUserPrompt = `You will be provided with a serialized spreadsheet table. Each data line is prefixed with "rowN:" where N is the source row number, followed by a pipe-delimited row. The first table line is the header row describing the column semantics.

Extract every product offered in the table into a JSON array. Follow these rules precisely:

1. Do not invent values. If a field is absent from the row, set it to null.
2. "price_primary" is the sale/retail price; "price_secondary" is the wholesale price when a second price column exists.
3. Strip currency symbols and thousands separators from prices; output plain decimal strings like "1234.50". Assume the implicit local currency.
4. If a price is clearly denominated in a foreign currency, do NOT convert it; copy the numeric value and set "foreign_currency" to true so the record can be reviewed manually.
5. "category_path" is the category hierarchy for the product, ordered from the most general to the most specific level. Derive it from section header rows, category columns, or composite cells.
6. If a single cell combines category, product name, and specification text, split it into the separate fields in this same response and report your confidence in the split as "split_confidence" between 0 and 1.
7. Copy the "rowN" number of the row the product came from into "source_row".

Each JSON object must have exactly these keys:
  "name": string or null,
  "description": string or null,
  "price_primary": string or null,
  "price_secondary": string or null,
  "category_path": array of strings (may be empty),
  "source_row": integer,
  "foreign_currency": boolean,
  "split_confidence": number between 0 and 1, or null when no split was needed.

The final output MUST be a single, valid JSON array of these objects. Do not include any text before or after the JSON array.

The table:
`

// VertexClient holds the pre-configured generative model for extraction.
type VertexClient struct {
	ExtractorModel *genai.GenerativeModel
	baseClient     *genai.Client
}

// NewVertexClient creates a client with the extractor model configured for
// deterministic JSON output.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	extractorModel := baseClient.GenerativeModel(modelName)
	extractorModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(ExtractorSystemPrompt)},
	}
	extractorModel.GenerationConfig = genai.GenerationConfig{
		// Force JSON output. This is a critical setting for this model.
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	extractorModel.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	return &VertexClient{
		ExtractorModel: extractorModel,
		baseClient:     baseClient,
	}, nil
}

// GenerateJSON sends the prompt to the extractor model and returns the raw
// text of the response with any markdown fences stripped.
func (c *VertexClient) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	resp, err := c.ExtractorModel.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate content from gemini: %w", err)
	}
	return extractJSONContent(resp), nil
}

// extractJSONContent robustly gets the raw text content from the model response.
func extractJSONContent(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}

	var contentBuilder strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			contentBuilder.WriteString(string(txt))
		}
	}

	// Clean potential markdown fences just in case.
	cleanJSON := strings.TrimSpace(contentBuilder.String())
	cleanJSON = strings.TrimPrefix(cleanJSON, "```json")
	cleanJSON = strings.TrimPrefix(cleanJSON, "```")
	cleanJSON = strings.TrimSuffix(cleanJSON, "```")
	return strings.TrimSpace(cleanJSON)
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
