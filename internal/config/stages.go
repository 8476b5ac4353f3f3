package config

import "path/filepath"

// DefaultStages returns the breast tissue stage sequence rooted at scratchRoot.
// TIL VGG16 and TIL Inception share one working dir; the GPU runs out of
// memory if any two of these overlap.
func DefaultStages(scratchRoot string) []StageSpec {
	tilDir := filepath.Join(scratchRoot, "til")
	return []StageSpec{
		{
			Name:    "til_vgg16",
			Image:   "sbubmi/quip_til_classification:latest",
			Command: []string{"svs_2_heatmap.sh"},
			Env: map[string]string{
				"MODEL_CONFIG_FILENAME":     "config_vgg-mix_test_ext.ini",
				"CUDA_VISIBLE_DEVICES":      "0",
				"HEATMAP_VERSION_NAME":      "lym_vgg-mix_prob",
				"LYM_PREDICTION_BATCH_SIZE": "32",
			},
			WorkDir:      tilDir,
			MountTarget:  "/data",
			GPU:          true,
			Staging:      StagingFresh,
			OutputSubdir: "output",
			UploadName:   "til_vgg16",
			Cleanup:      CleanupKeep,
		},
		{
			Name:    "til_inception",
			Image:   "sbubmi/quip_til_classification:latest",
			Command: []string{"svs_2_heatmap.sh"},
			Env: map[string]string{
				"MODEL_CONFIG_FILENAME":     "config_incep-mix_test_ext.ini",
				"CUDA_VISIBLE_DEVICES":      "0",
				"HEATMAP_VERSION_NAME":      "lym_incep-mix_probability",
				"LYM_PREDICTION_BATCH_SIZE": "32",
			},
			WorkDir:          tilDir,
			MountTarget:      "/data",
			GPU:              true,
			Staging:          StagingReuse,
			ClearOutput:      true,
			ArtifactDir:      "patches",
			ArtifactPatterns: []string{"patch-level-color.txt", "patch-level-lym.txt"},
			OutputSubdir:     "output",
			UploadName:       "til_inception",
			Cleanup:          CleanupWipe,
		},
		{
			Name:         "brca_tumor_seg",
			Image:        "sbubmi/quip_brca_tumor_segmentation:latest",
			Command:      []string{"svs_2_heatmap.sh"},
			WorkDir:      filepath.Join(scratchRoot, "brca"),
			MountTarget:  "/data",
			GPU:          true,
			Staging:      StagingFresh,
			OutputSubdir: "output",
			UploadName:   "brca_tumor_seg",
			Cleanup:      CleanupWipe,
		},
		{
			// No output folder: everything but the input mirror is uploaded.
			Name:    "nucleus_seg",
			Image:   "sbubmi/quip_nucleus_segmentation:latest",
			Command: []string{"run_wsi_seg.sh"},
			Env: map[string]string{
				"CUDA_VISIBLE_DEVICES": "0",
			},
			WorkDir:     filepath.Join(scratchRoot, "nucleus_seg"),
			MountTarget: "/data/wsi_seg_local_data",
			GPU:         true,
			Staging:     StagingFresh,
			DropInputs:  true,
			UploadName:  "nucleus_seg",
			Cleanup:     CleanupWipe,
		},
	}
}

// Images returns the distinct images referenced by the stages, in stage order.
func (c *Config) Images() []string {
	seen := make(map[string]bool)
	var images []string
	for _, s := range c.Stages {
		if !seen[s.Image] {
			seen[s.Image] = true
			images = append(images, s.Image)
		}
	}
	return images
}
