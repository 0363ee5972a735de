package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/relmask/relmask"
	"github.com/relmask/relmask/datasets"
	"github.com/relmask/relmask/document"
	"github.com/relmask/relmask/pipelines"
	util "github.com/relmask/relmask/utils"
	"github.com/relmask/relmask/utils/checks"
)

var modelPath string
var inputPath string
var outputPath string
var sharedLibraryPath string
var backend string
var batchSize int
var labelType string
var entityTypes string
var zeroTag string
var withEmbeddings bool

// candidateOutput is one encoded relation candidate, written as a JSON line.
type candidateOutput struct {
	Sentence  string    `json:"sentence"`
	Head      string    `json:"head"`
	Tail      string    `json:"tail"`
	Gold      string    `json:"gold"`
	Embedding []float32 `json:"embedding,omitempty"`
}

var encodeCommand = &cli.Command{
	Name:  "encode",
	Usage: "Encode relation candidates from an annotated corpus",
	Description: `Encode expects input in .jsonl format: one sentence per line with its tokens,
entity spans and gold relations, e.g.
{"tokens":["Larry","Page","founded","Google","."],
 "entities":[{"start":0,"end":2,"type":"ner","label":"PER"},{"start":3,"end":4,"type":"ner","label":"ORG"}],
 "relations":[{"head":1,"tail":0,"type":"relation","label":"founded_by"}]}
Each valid ordered entity pair is masked, embedded with the given model and
written as a JSON line with its gold label (the zero tag when unannotated).`,
	ArgsUsage: `
	--model: path to the onnx embedding model folder.
	--input: path to a .jsonl file to process. If omitted, the input will be read from stdin.
	--output: path of the .jsonl file to write. If omitted, the output will be sent to stdout.
	--backend: "ORT" (onnxruntime shared library) or "GO" (pure go runtime).
	--onnxruntimeSharedLibrary: path to the onnxruntime.so library, ORT backend only.
	`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Path to the embedding model",
			Aliases:     []string{"m"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to the input corpus",
			Aliases:     []string{"i"},
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to output",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Inference backend, ORT or GO",
			Destination: &backend,
			Value:       "GO",
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Path to onnxruntime.so",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryPath,
		},
		&cli.IntFlag{
			Name:        "batchSize",
			Usage:       "Number of sentences to process in a batch",
			Aliases:     []string{"b"},
			Destination: &batchSize,
			Value:       20,
		},
		&cli.StringFlag{
			Name:        "labelType",
			Usage:       "Label type of the gold relation annotations",
			Destination: &labelType,
			Value:       "relation",
		},
		&cli.StringFlag{
			Name:        "entityTypes",
			Usage:       "Comma separated span label types to pair",
			Destination: &entityTypes,
			Value:       "ner",
		},
		&cli.StringFlag{
			Name:        "zeroTag",
			Usage:       "Label for candidates without a gold relation",
			Destination: &zeroTag,
			Value:       pipelines.DefaultZeroTag,
		},
		&cli.BoolFlag{
			Name:        "embeddings",
			Usage:       "Include the embedding vectors in the output",
			Destination: &withEmbeddings,
		},
	},
	Action: func(ctx *cli.Context) error {
		var session *relmask.Session
		var err error

		switch backend {
		case "ORT":
			var sessionOpts []relmask.SessionOption
			if sharedLibraryPath != "" {
				sessionOpts = append(sessionOpts, relmask.WithOnnxLibraryPath(sharedLibraryPath))
			}
			session, err = relmask.NewORTSession(sessionOpts...)
		case "GO":
			session, err = relmask.NewGoSession()
		default:
			return fmt.Errorf("backend %s not recognized", backend)
		}
		if err != nil {
			return err
		}
		defer func() {
			if destroyErr := session.Destroy(); destroyErr != nil {
				log.Warn().Err(destroyErr).Msg("session teardown failed")
			}
		}()

		embedderPipeline, err := relmask.NewPipeline(session, relmask.FeatureExtractionConfig{
			ModelPath: modelPath,
			Name:      "cliEmbedder",
		})
		if err != nil {
			return err
		}

		classifier, err := session.NewRelationClassifier(relmask.RelationClassifierConfig{
			Name:             "cliClassifier",
			EmbedderName:     embedderPipeline.PipelineName,
			LabelDictionary:  document.NewDictionary(),
			LabelType:        labelType,
			EntityLabelTypes: strings.Split(entityTypes, ","),
			Options:          []pipelines.RelationClassificationOption{pipelines.WithZeroTag(zeroTag)},
		})
		if err != nil {
			return err
		}

		var writer io.WriteCloser
		if outputPath != "" {
			writer, err = util.FileSystem.NewWriter(ctx.Context, outputPath, os.ModePerm)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, writer.Close())
			}()
		} else {
			writer = os.Stdout
		}

		if inputPath != "" {
			exists, existsErr := util.FileSystem.Exists(ctx.Context, inputPath)
			if existsErr != nil {
				return existsErr
			}
			if !exists {
				return fmt.Errorf("file %s does not exist", inputPath)
			}
			dataset, datasetErr := datasets.NewRelationDataset(inputPath, batchSize)
			if datasetErr != nil {
				return datasetErr
			}
			defer func() {
				err = errors.Join(err, dataset.Close())
			}()
			for {
				sentences, nextErr := dataset.Next()
				if nextErr != nil && nextErr != io.EOF {
					return nextErr
				}
				if encodeErr := encodeBatch(classifier, sentences, writer); encodeErr != nil {
					return encodeErr
				}
				if nextErr == io.EOF {
					break
				}
			}
			log.Info().Int("batches", dataset.Batches()).Msg("corpus encoded")
			return err
		}

		if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			// nothing to process on stdin
			return nil
		}
		return encodeStdin(classifier, os.Stdin, writer)
	},
}

func encodeStdin(classifier *pipelines.RelationClassificationPipeline, source io.Reader, writer io.Writer) error {
	sentences := make([]*document.Sentence, 0, batchSize)
	scanner := bufio.NewScanner(source)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var example datasets.RelationExample
		if err := json.Unmarshal(scanner.Bytes(), &example); err != nil {
			return err
		}
		sentence, err := example.Sentence()
		if err != nil {
			return err
		}
		sentences = append(sentences, sentence)
		if len(sentences) == batchSize {
			if err := encodeBatch(classifier, sentences, writer); err != nil {
				return err
			}
			sentences = sentences[:0]
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return scanErr
	}
	// flush
	return encodeBatch(classifier, sentences, writer)
}

func encodeBatch(classifier *pipelines.RelationClassificationPipeline, sentences []*document.Sentence, writer io.Writer) error {
	if len(sentences) == 0 {
		return nil
	}
	output, err := classifier.ForwardPass(sentences, true)
	if err != nil {
		return err
	}
	for i, relation := range output.Relations {
		row := candidateOutput{
			Sentence: relation.Head().Sentence().Text(),
			Head:     relation.Head().Text(),
			Tail:     relation.Tail().Text(),
			Gold:     output.GoldLabels[i],
		}
		if withEmbeddings {
			row.Embedding = output.Embeddings[i]
		}
		rowBytes, marshalErr := json.Marshal(&row)
		if marshalErr != nil {
			return marshalErr
		}
		if _, writeErr := writer.Write(append(rowBytes, '\n')); writeErr != nil {
			return writeErr
		}
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:     "relmask",
		Usage:    "Masked relation classification from the command line",
		Commands: []*cli.Command{encodeCommand},
	}
	checks.CheckWithMessage(app.Run(os.Args), "relmask failed")
}
