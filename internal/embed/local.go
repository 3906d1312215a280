package embed

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"

	tokenizer "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"
)

// defaultMaxBatchTokens bounds the padded token count of one inference call.
const defaultMaxBatchTokens = 8192

// Local implements Embedder with an ONNX sentence-transformer model running
// in-process. Vectors are mean-pooled over the attention mask and
// L2-normalized.
type Local struct {
	tok            *tokenizer.Tokenizer
	session        *ort.DynamicAdvancedSession
	maxBatchTokens int
	dimensions     int
}

// NewLocal loads the tokenizer and ONNX model named by cfg. The ONNX runtime
// shared library path can be overridden with POSTSCOPE_ONNX_LIB.
func NewLocal(cfg *Config) (*Local, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tok, err := pretrained.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer %s: %w", cfg.TokenizerPath, err)
	}

	if libPath := os.Getenv("POSTSCOPE_ONNX_LIB"); libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("initializing onnx runtime: %w", err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("creating session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("setting graph optimization: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(0); err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("setting thread count: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		opts,
	)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("loading model %s: %w", cfg.ModelPath, err)
	}

	return &Local{tok: tok, session: session, maxBatchTokens: defaultMaxBatchTokens}, nil
}

// Dimensions returns the vector width, 0 before the first call.
func (l *Local) Dimensions() int {
	return l.dimensions
}

// Close releases the ONNX session and runtime environment.
func (l *Local) Close() error {
	if l.session != nil {
		l.session.Destroy()
		l.session = nil
	}
	ort.DestroyEnvironment()
	return nil
}

// Embed generates vectors for texts, splitting the work into inference
// batches whose padded size stays under the token budget. Empty texts get
// nil vectors.
func (l *Local) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	nonEmpty := make([]string, 0, len(texts))
	indexMap := make([]int, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) != "" {
			nonEmpty = append(nonEmpty, text)
			indexMap = append(indexMap, i)
		}
	}
	result := make([][]float32, len(texts))
	if len(nonEmpty) == 0 {
		return result, nil
	}

	encodings, err := l.encode(nonEmpty)
	if err != nil {
		return nil, err
	}

	done := 0
	for done < len(encodings) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Greedily grow the batch while the padded token count fits.
		end := done
		maxSeqLen := 0
		for end < len(encodings) {
			seqLen := maxSeqLen
			if n := len(encodings[end].GetIds()); n > seqLen {
				seqLen = n
			}
			if end > done && (end-done+1)*seqLen > l.maxBatchTokens {
				break
			}
			maxSeqLen = seqLen
			end++
		}

		vectors, err := l.infer(encodings[done:end], maxSeqLen)
		if err != nil {
			return nil, fmt.Errorf("batch at %d: %w", done, err)
		}
		for i, vec := range vectors {
			result[indexMap[done+i]] = vec
			if l.dimensions == 0 {
				l.dimensions = len(vec)
			}
		}
		done = end
	}
	return result, nil
}

func (l *Local) encode(texts []string) ([]tokenizer.Encoding, error) {
	inputs := make([]tokenizer.EncodeInput, len(texts))
	for i, t := range texts {
		inputs[i] = tokenizer.NewSingleEncodeInput(tokenizer.NewInputSequence(t))
	}
	encodings, err := l.tok.EncodeBatch(inputs, true)
	if err != nil {
		return nil, fmt.Errorf("tokenization failed: %w", err)
	}
	return encodings, nil
}

func (l *Local) infer(encodings []tokenizer.Encoding, maxLen int) ([][]float32, error) {
	batchSize := len(encodings)

	inputIds := make([]int64, batchSize*maxLen)
	attentionMask := make([]int64, batchSize*maxLen)
	tokenTypeIds := make([]int64, batchSize*maxLen)
	for i, enc := range encodings {
		ids := enc.GetIds()
		mask := enc.GetAttentionMask()
		offset := i * maxLen
		for j := 0; j < len(ids) && j < maxLen; j++ {
			inputIds[offset+j] = int64(ids[j])
			attentionMask[offset+j] = int64(mask[j])
		}
	}

	shape := ort.NewShape(int64(batchSize), int64(maxLen))
	inputIdsTensor, err := ort.NewTensor(shape, inputIds)
	if err != nil {
		return nil, fmt.Errorf("creating input_ids tensor: %w", err)
	}
	defer inputIdsTensor.Destroy()
	attentionMaskTensor, err := ort.NewTensor(shape, attentionMask)
	if err != nil {
		return nil, fmt.Errorf("creating attention_mask tensor: %w", err)
	}
	defer attentionMaskTensor.Destroy()
	tokenTypeIdsTensor, err := ort.NewTensor(shape, tokenTypeIds)
	if err != nil {
		return nil, fmt.Errorf("creating token_type_ids tensor: %w", err)
	}
	defer tokenTypeIdsTensor.Destroy()

	outputs := make([]ort.Value, 1)
	err = l.session.Run(
		[]ort.Value{inputIdsTensor, attentionMaskTensor, tokenTypeIdsTensor},
		outputs,
	)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	defer outputs[0].Destroy()

	outputTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("output tensor is not float32")
	}

	outputShape := outputTensor.GetShape()
	seqLen := outputShape[1]
	hiddenDim := outputShape[2]
	outputData := outputTensor.GetData()

	// Mean-pool hidden states over real tokens, then L2-normalize. Copies
	// out of the tensor's memory before it is destroyed.
	embeddings := make([][]float32, batchSize)
	for i := 0; i < batchSize; i++ {
		vec := make([]float32, hiddenDim)
		count := 0
		for j := int64(0); j < seqLen; j++ {
			if attentionMask[i*maxLen+int(j)] == 0 {
				continue
			}
			row := outputData[(int64(i)*seqLen+j)*hiddenDim : (int64(i)*seqLen+j+1)*hiddenDim]
			for d, v := range row {
				vec[d] += v
			}
			count++
		}
		if count > 0 {
			for d := range vec {
				vec[d] /= float32(count)
			}
		}
		normalize(vec)
		embeddings[i] = vec
	}
	return embeddings, nil
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}
