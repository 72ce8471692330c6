package cnn

type HealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type PredictionResponse struct {
	PredictedLabel string             `json:"predicted_label"`
	Probabilities  map[string]float64 `json:"probabilities"`
	PlotBase64PNG  string             `json:"plot_base64_png"`
}

// RetrainParams are the optional training hyperparameters. Zero values
// are omitted so the service applies its own defaults.
type RetrainParams struct {
	DataDir                 string   `json:"data_dir,omitempty"`
	TrainSubdir             string   `json:"train_subdir,omitempty"`
	TestSubdir              string   `json:"test_subdir,omitempty"`
	ImgSize                 *[2]int  `json:"img_size,omitempty"`
	BatchSize               int      `json:"batch_size,omitempty"`
	Epochs                  int      `json:"epochs,omitempty"`
	LearningRate            float64  `json:"learning_rate,omitempty"`
	BaseModelName           string   `json:"base_model_name,omitempty" validate:"omitempty,oneof=MobileNetV2 EfficientNetB0"`
	OutputModelPath         string   `json:"output_model_path,omitempty"`
	PerClassLimit           *int     `json:"per_class_limit,omitempty"`
	ValidationSplitFromTest *float64 `json:"validation_split_from_test,omitempty"`
}

type Score struct {
	CompileMetrics float64 `json:"compile_metrics"`
	Loss           float64 `json:"loss"`
}

type History struct {
	Accuracy     []float64 `json:"accuracy"`
	Loss         []float64 `json:"loss"`
	Precision    []float64 `json:"precision"`
	Recall       []float64 `json:"recall"`
	ValAccuracy  []float64 `json:"val_accuracy"`
	ValLoss      []float64 `json:"val_loss"`
	ValPrecision []float64 `json:"val_precision"`
	ValRecall    []float64 `json:"val_recall"`
}

type RetrainDetails struct {
	Classes         []string      `json:"classes"`
	FinalEpoch      int           `json:"final_epoch"`
	History         History       `json:"history"`
	OutputModelPath string        `json:"output_model_path"`
	TestScore       Score         `json:"test_score"`
	TrainScore      Score         `json:"train_score"`
	UsedParams      RetrainParams `json:"used_params"`
	ValidScore      Score         `json:"valid_score"`
}

type RetrainResponse struct {
	Message string         `json:"message"`
	Details RetrainDetails `json:"details"`
}
