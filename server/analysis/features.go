package analysis

import (
	"github.com/san-kum/drive-score/server/models"
)

// Per-channel feature suffixes, in the order they are computed.
const (
	FeatureMean          = "mean"
	FeatureStd           = "std"
	FeatureMax           = "max"
	FeatureMin           = "min"
	FeatureRange         = "range"
	FeatureMedian        = "median"
	FeatureKurtosis      = "kurtosis"
	FeatureSkew          = "skew"
	FeatureZeroCrossings = "zero_crossings"
	FeaturePeakToPeak    = "p2p"
)

var channelFeatures = []string{
	FeatureMean, FeatureStd, FeatureMax, FeatureMin, FeatureRange,
	FeatureMedian, FeatureKurtosis, FeatureSkew, FeatureZeroCrossings, FeaturePeakToPeak,
}

var magnitudeFeatures = []string{
	"Acc_mag_mean", "Acc_mag_std", "Acc_mag_max",
	"Gyro_mag_mean", "Gyro_mag_std", "Gyro_mag_max",
}

// FeatureName joins a channel and a statistic, e.g. "GyroZ_skew".
func FeatureName(channel, feature string) string {
	return channel + "_" + feature
}

// FeatureNames returns the key set every FeatureVector carries.
func FeatureNames() []string {
	names := make([]string, 0, len(models.Channels)*len(channelFeatures)+len(magnitudeFeatures))
	for _, ch := range models.Channels {
		for _, f := range channelFeatures {
			names = append(names, FeatureName(ch, f))
		}
	}
	return append(names, magnitudeFeatures...)
}

// ExtractFeatures computes the statistics of a single window. Only the
// window's own samples are read.
func ExtractFeatures(w Window) models.FeatureVector {
	values := make(map[string]float64, len(models.Channels)*len(channelFeatures)+len(magnitudeFeatures))

	series := make(map[string][]float64, len(models.Channels))
	for _, ch := range models.Channels {
		x := w.Series(ch)
		series[ch] = x

		hi, lo := maxOf(x), minOf(x)
		values[FeatureName(ch, FeatureMean)] = mean(x)
		values[FeatureName(ch, FeatureStd)] = popStd(x)
		values[FeatureName(ch, FeatureMax)] = hi
		values[FeatureName(ch, FeatureMin)] = lo
		values[FeatureName(ch, FeatureRange)] = hi - lo
		values[FeatureName(ch, FeatureMedian)] = median(x)
		values[FeatureName(ch, FeatureKurtosis)] = excessKurtosis(x)
		values[FeatureName(ch, FeatureSkew)] = skewness(x)
		values[FeatureName(ch, FeatureZeroCrossings)] = float64(zeroCrossings(x))
		values[FeatureName(ch, FeaturePeakToPeak)] = hi - lo
	}

	acc := magnitude(series[models.ChannelAccX], series[models.ChannelAccY], series[models.ChannelAccZ])
	values["Acc_mag_mean"] = mean(acc)
	values["Acc_mag_std"] = popStd(acc)
	values["Acc_mag_max"] = maxOf(acc)

	gyro := magnitude(series[models.ChannelGyroX], series[models.ChannelGyroY], series[models.ChannelGyroZ])
	values["Gyro_mag_mean"] = mean(gyro)
	values["Gyro_mag_std"] = popStd(gyro)
	values["Gyro_mag_max"] = maxOf(gyro)

	return models.FeatureVector{
		Timestamp: w.Timestamp(),
		Values:    values,
	}
}
