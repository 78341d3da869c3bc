package input

import "github.com/jmorganca/dam/ml"

// Batch contains the inputs for a model forward pass
type Batch struct {
	// Images holds the pixel values the prompted image encoder sees,
	// shaped [batch, channels, height, width].
	Images ml.Tensor

	// Variants is an optional second view of the same images (for example
	// a different augmentation) fed to the frozen image encoder. When nil
	// the zero-shot branch uses Images.
	Variants ml.Tensor

	// Labels holds one class index per image. It is required when the
	// model is training and optional otherwise.
	Labels []int32
}

// Size returns the number of images in the batch.
func (b Batch) Size() int {
	if b.Images == nil {
		return 0
	}
	return b.Images.Dim(0)
}

// ZeroShot returns the images the frozen image encoder should see.
func (b Batch) ZeroShot() ml.Tensor {
	if b.Variants != nil {
		return b.Variants
	}
	return b.Images
}
